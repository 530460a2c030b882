package scoring_test

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	"fieldwork/internal/db"
	"fieldwork/internal/domain"
	"fieldwork/internal/migrate"
	"fieldwork/internal/repo"
	"fieldwork/internal/scoring"
)

type testEnv struct {
	Engine scoring.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := scoring.New(conn)
	eng.Now = func() time.Time { return time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.InsertUser(ctx, domain.User{ID: "worker-1", Role: domain.RoleWorker, CreatedAt: "2025-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("seed worker: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

type taskRow struct {
	id       string
	status   domain.TaskStatus
	score    float64 // verification confidence; negative means NULL
	upvotes  int
	downs    int
	duration float64
}

// seedTask inserts a terminal task directly; the lifecycle path is covered
// by the engine package tests.
func seedTask(t *testing.T, env testEnv, tr taskRow) {
	t.Helper()
	issueID := "issue-" + tr.id
	err := env.Engine.Repo.InsertIssue(env.Ctx, domain.Issue{
		ID: issueID, Type: domain.IssuePothole, Severity: domain.SeverityMedium,
		Latitude: 12.9, Longitude: 77.59, Status: domain.IssueResolved,
		CreatedAt: "2025-03-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed issue: %v", err)
	}
	var score sql.NullFloat64
	if tr.score >= 0 {
		score = sql.NullFloat64{Float64: tr.score, Valid: true}
	}
	_, err = env.Engine.DB.ExecContext(env.Ctx, `INSERT INTO tasks
(id,issue_id,worker_id,status,assigned_at,completed_at,verification_score,duration_minutes,upvotes,downvotes)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		tr.id, issueID, "worker-1", tr.status,
		"2025-03-05T09:00:00Z", "2025-03-05T11:00:00Z",
		score, tr.duration, tr.upvotes, tr.downs)
	if err != nil {
		t.Fatalf("seed task %s: %v", tr.id, err)
	}
}

func TestComputeScoreWeights(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, taskRow{id: "t1", status: domain.TaskVerified, score: 0.9, upvotes: 8, downs: 2, duration: 120})
	seedTask(t, env, taskRow{id: "t2", status: domain.TaskVerified, score: 0.7, upvotes: 3, downs: 1, duration: 60})
	seedTask(t, env, taskRow{id: "t3", status: domain.TaskRejected, score: 0.2, duration: 30})

	report, err := env.Engine.ComputeScore(env.Ctx, "worker-1", "2025-03")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if report.TasksCompleted != 3 || report.VerifiedTasks != 2 || report.RejectedTasks != 1 {
		t.Fatalf("counts: %+v", report)
	}
	wantVerification := (0.9 + 0.7 + 0.2) / 3
	wantCommunity := (0.8 + 0.75) / 2 // zero-vote task carries no signal
	wantCompletion := 2.0 / 3.0
	wantTotal := (wantVerification*0.4 + wantCommunity*0.3 + wantCompletion*0.3) * 100
	if math.Abs(report.VerificationScore-wantVerification) > 1e-12 {
		t.Fatalf("verification = %v, want %v", report.VerificationScore, wantVerification)
	}
	if math.Abs(report.CommunityScore-wantCommunity) > 1e-12 {
		t.Fatalf("community = %v, want %v", report.CommunityScore, wantCommunity)
	}
	if math.Abs(report.TotalScore-wantTotal) > 1e-12 {
		t.Fatalf("total = %v, want %v", report.TotalScore, wantTotal)
	}
	if report.DisplayScore != int(math.Round(wantTotal)) {
		t.Fatalf("display = %d", report.DisplayScore)
	}
	if math.Abs(report.AvgDurationMinutes-70) > 1e-12 {
		t.Fatalf("avg duration = %v, want 70", report.AvgDurationMinutes)
	}

	wp, err := env.Engine.Repo.GetWorkerPerformance(env.Ctx, "worker-1", "2025-03")
	if err != nil {
		t.Fatalf("get performance: %v", err)
	}
	if wp.TotalScore != report.TotalScore || wp.TasksCompleted != 3 {
		t.Fatalf("persisted row: %+v", wp)
	}
	u, err := env.Engine.Repo.GetUser(env.Ctx, "worker-1")
	if err != nil || u.PerformanceScore != report.TotalScore {
		t.Fatalf("user score = %v err=%v", u.PerformanceScore, err)
	}
}

func TestComputeScoreIdempotent(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, taskRow{id: "t1", status: domain.TaskVerified, score: 0.85, upvotes: 4, downs: 1, duration: 45})

	first, err := env.Engine.ComputeScore(env.Ctx, "worker-1", "2025-03")
	if err != nil {
		t.Fatalf("first compute: %v", err)
	}
	second, err := env.Engine.ComputeScore(env.Ctx, "worker-1", "2025-03")
	if err != nil {
		t.Fatalf("second compute: %v", err)
	}
	if first.TotalScore != second.TotalScore {
		t.Fatalf("recompute drifted: %v != %v", first.TotalScore, second.TotalScore)
	}
	var rows int
	if err := env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM worker_performance WHERE worker_id='worker-1'`).Scan(&rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("monthly rows = %d, want 1 (upsert)", rows)
	}
}

func TestComputeScoreNoCompletedTasks(t *testing.T) {
	env := newTestEnv(t)

	report, err := env.Engine.ComputeScore(env.Ctx, "worker-1", "2025-03")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if report.TotalScore != 0 || report.TasksCompleted != 0 {
		t.Fatalf("empty month report: %+v", report)
	}
	if _, err := env.Engine.Repo.GetWorkerPerformance(env.Ctx, "worker-1", "2025-03"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("empty month persisted a row: %v", err)
	}
}

func TestComputeScoreNullVerificationSkipped(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, taskRow{id: "t1", status: domain.TaskVerified, score: 0.8, duration: 30})
	seedTask(t, env, taskRow{id: "t2", status: domain.TaskVerified, score: -1, duration: 30}) // NULL confidence

	report, err := env.Engine.ComputeScore(env.Ctx, "worker-1", "2025-03")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if report.VerificationScore != 0.8 {
		t.Fatalf("verification = %v, want 0.8 (NULL excluded from mean)", report.VerificationScore)
	}
	if report.CommunityScore != 0 {
		t.Fatalf("community = %v, want 0 with no votes", report.CommunityScore)
	}
}

func TestComputeScoreValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ComputeScore(env.Ctx, "worker-1", "03-2025"); err == nil {
		t.Fatal("bad month accepted")
	}
	if _, err := env.Engine.ComputeScore(env.Ctx, "ghost", "2025-03"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown worker: %v", err)
	}
}

func TestComputeScoreDefaultsToCurrentMonth(t *testing.T) {
	env := newTestEnv(t)
	report, err := env.Engine.ComputeScore(env.Ctx, "worker-1", "")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if report.MonthYear != "2025-04" {
		t.Fatalf("month = %s, want 2025-04 from frozen clock", report.MonthYear)
	}
}
