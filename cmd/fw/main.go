package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldwork/internal/config"
	"fieldwork/internal/db"
	"fieldwork/internal/domain"
	"fieldwork/internal/engine"
	"fieldwork/internal/migrate"
	"fieldwork/internal/notify"
	"fieldwork/internal/oracle"
	"fieldwork/internal/repo"
	"fieldwork/internal/scoring"
	"fieldwork/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fw",
	Short: "Fieldwork CLI",
	Long: `Fieldwork runs the task lifecycle for civic issue reports: assignment,
geofenced start, AI-verified completion, community voting, and monthly
worker scoring. State lives in the .fieldwork workspace database.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		cfg, err := config.LoadOptional(workspace)
		if err != nil {
			return err
		}
		return configureLogger(viper.GetString("log-level"), cfg.Log.Level)
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIELDWORK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default fieldwork.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			return os.WriteFile(path, []byte(config.GenerateDefault()), 0o644)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	var checkFile string
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file before installing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := checkFile
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	}
	check.Flags().StringVar(&checkFile, "file", "", "config file to validate (defaults to the workspace config)")
	cfg.AddCommand(check)
	return cfg
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{Use: "issue", Short: "Manage reported issues"}
	issue.AddCommand(issueAddCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueShowCmd())
	return issue
}

func issueAddCmd() *cobra.Command {
	var (
		id, issueType, severity, description, address, reportedBy string
		lat, lon                                                  float64
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a reported issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if id == "" {
					id = uuid.New().String()
				}
				i := domain.Issue{
					ID:          id,
					Type:        domain.IssueType(issueType),
					Severity:    domain.Severity(severity),
					Description: description,
					Latitude:    lat,
					Longitude:   lon,
					Address:     address,
					Status:      domain.IssueReported,
					ReportedBy:  reportedBy,
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				}
				if i.Severity.Rank() < 0 {
					return fmt.Errorf("invalid severity %q", severity)
				}
				if err := r.InsertIssue(ctx, i); err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "issue id (generated if empty)")
	cmd.Flags().StringVar(&issueType, "type", "other", "issue type")
	cmd.Flags().StringVar(&severity, "severity", "MEDIUM", "severity (LOW, MEDIUM, HIGH, CRITICAL)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude")
	cmd.Flags().StringVar(&address, "address", "", "street address")
	cmd.Flags().StringVar(&reportedBy, "reported-by", "", "reporting citizen id")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
	return cmd
}

func issueListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				issues, err := r.ListIssues(ctx, domain.IssueStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Severity", "Status", "Assigned To", "Address"})
				for _, i := range issues {
					assigned := ""
					if i.AssignedTo != nil {
						assigned = *i.AssignedTo
					}
					tw.AppendRow(table.Row{i.ID, i.Type, i.Severity, i.Status, assigned, i.Address})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func issueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <issue-id>",
		Short: "Show an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				issue, err := r.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage workers and citizens"}
	var (
		id, role, name string
		lat, lon       float64
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if id == "" {
					id = uuid.New().String()
				}
				u := domain.User{
					ID:        id,
					Role:      domain.UserRole(role),
					Name:      name,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if u.Role != domain.RoleWorker && u.Role != domain.RoleCitizen {
					return fmt.Errorf("invalid role %q", role)
				}
				if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
					u.Latitude = &lat
					u.Longitude = &lon
				}
				if err := r.InsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "user id (generated if empty)")
	add.Flags().StringVar(&role, "role", "WORKER", "role (WORKER, CITIZEN)")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().Float64Var(&lat, "lat", 0, "home latitude (citizens)")
	add.Flags().Float64Var(&lon, "lon", 0, "home longitude (citizens)")
	user.AddCommand(add)
	return user
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Drive the task lifecycle"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskVotingCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var issueID, workerID, departmentID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Assign an issue to a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defer e.WaitNotifications()
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					IssueID:      issueID,
					WorkerID:     workerID,
					DepartmentID: departmentID,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&issueID, "issue", "", "issue id")
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	cmd.Flags().StringVar(&departmentID, "department", "", "department id")
	_ = cmd.MarkFlagRequired("issue")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func taskStartCmd() *cobra.Command {
	var lat, lon float64
	cmd := &cobra.Command{
		Use:   "start <task-id>",
		Short: "Verify presence at the issue location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				check, err := e.VerifyGeofenceEntry(ctx, args[0], lat, lon)
				if err != nil {
					return err
				}
				return printJSONOrTable(check)
			})
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "current latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "current longitude")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
	return cmd
}

func taskSubmitCmd() *cobra.Command {
	var before, after string
	var lat, lon float64
	cmd := &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Submit completion evidence for verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defer e.WaitNotifications()
				t, err := e.SubmitCompletion(ctx, engine.SubmissionOptions{
					TaskID:         args[0],
					BeforePhotoURL: before,
					AfterPhotoURL:  after,
					Lat:            lat,
					Lon:            lon,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "before photo URL")
	cmd.Flags().StringVar(&after, "after", "", "after photo URL")
	cmd.Flags().Float64Var(&lat, "lat", 0, "current latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "current longitude")
	_ = cmd.MarkFlagRequired("before")
	_ = cmd.MarkFlagRequired("after")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, issue, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task": t, "issue": issue})
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var workerID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a worker's tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.GetWorkerTasks(ctx, workerID, domain.TaskStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Issue", "Type", "Severity", "Status", "Votes"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.IssueID, t.IssueType, t.IssueSeverity, t.Status,
						fmt.Sprintf("+%d/-%d", t.Upvotes, t.Downvotes)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func taskVotingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "voting <task-id>",
		Short: "Ask nearby citizens to confirm a verified fix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				notified, err := e.InitiateCommunityVoting(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task_id": args[0], "citizens_notified": notified})
			})
		},
	}
}

func voteCmd() *cobra.Command {
	var citizenID, vote, comment string
	cmd := &cobra.Command{
		Use:   "vote <task-id>",
		Short: "Record a citizen vote on a verified task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RecordVote(ctx, engine.VoteOptions{
					TaskID:    args[0],
					CitizenID: citizenID,
					Vote:      domain.VoteKind(vote),
					Comment:   comment,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&citizenID, "citizen", "", "citizen id")
	cmd.Flags().StringVar(&vote, "vote", "UPVOTE", "UPVOTE or DOWNVOTE")
	cmd.Flags().StringVar(&comment, "comment", "", "optional comment")
	_ = cmd.MarkFlagRequired("citizen")
	return cmd
}

func scoreCmd() *cobra.Command {
	var workerID, month string
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute a worker's monthly performance score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, s scoring.Engine) error {
				report, err := s.ComputeScore(ctx, workerID, month)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Worker", "Month", "Completed", "Verified", "Rejected", "Score"})
				tw.AppendRow(table.Row{report.WorkerID, report.MonthYear, report.TasksCompleted,
					report.VerifiedTasks, report.RejectedTasks, report.DisplayScore})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	cmd.Flags().StringVar(&month, "month", "", "month (YYYY-MM, defaults to current)")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			slog.Info("opened workspace database", "path", db.Path(workspace))
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e, notifier := newEngine(conn, cfg)
			defer notifier.Close()
			s := scoring.New(conn)
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, Scoring: s, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
				e.WaitNotifications()
			}()
			fmt.Printf("Serving Fieldwork API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func newEngine(conn *sql.DB, cfg *config.Config) (engine.Engine, notify.Publisher) {
	verifier := oracle.New(cfg.Oracle.BaseURL)
	if cfg.Oracle.TimeoutSeconds > 0 {
		verifier.Timeout = time.Duration(cfg.Oracle.TimeoutSeconds) * time.Second
	}
	notifier := notify.NewAMQP(cfg.Broker.URL, cfg.Broker.Exchange)
	if cfg.Broker.PublishTimeoutSeconds > 0 {
		notifier.PublishTimeout = time.Duration(cfg.Broker.PublishTimeoutSeconds) * time.Second
	}
	return engine.New(conn, verifier, notifier), notifier
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e, notifier := newEngine(conn, cfg)
	defer notifier.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withDB(ctx context.Context, fn func(context.Context, scoring.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, scoring.New(conn))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
