// Package engine drives the task lifecycle: assignment, geofenced start,
// evidence submission with AI verification, and community voting fan-out.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldwork/internal/domain"
	"fieldwork/internal/events"
	"fieldwork/internal/geo"
	"fieldwork/internal/notify"
	"fieldwork/internal/oracle"
	"fieldwork/internal/repo"
)

// Verifier is the oracle boundary; satisfied by *oracle.Client.
type Verifier interface {
	Verify(ctx context.Context, taskID, beforePhotoURL, afterPhotoURL string, lat, lon float64) (oracle.Result, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Oracle   Verifier
	Notifier notify.Publisher
	Log      *slog.Logger
	Now      func() time.Time

	notifyWG *sync.WaitGroup
}

func New(db *sql.DB, verifier Verifier, notifier notify.Publisher) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Oracle:   verifier,
		Notifier: notifier,
		Log:      slog.Default(),
		Now:      time.Now,
		notifyWG: &sync.WaitGroup{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// WaitNotifications blocks until in-flight best-effort notifications have
// been attempted. Delivery is never required for correctness; this exists
// so shutdown and tests don't race the dispatch goroutines.
func (e Engine) WaitNotifications() {
	if e.notifyWG != nil {
		e.notifyWG.Wait()
	}
}

// TaskCreateOptions are parameters for assigning field work to a worker.
type TaskCreateOptions struct {
	IssueID      string
	WorkerID     string
	DepartmentID string
	ActorID      string
}

// CreateTask assigns an issue to a worker. The task insert and the issue
// status flip commit in one transaction; the assignment notification is
// dispatched after commit and its failure is swallowed, since the task row
// is the authoritative record.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.IssueID == "" {
		return domain.Task{}, errors.New("issue is required")
	}
	if opts.WorkerID == "" {
		return domain.Task{}, errors.New("worker is required")
	}

	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:         uuid.New().String(),
		IssueID:    opts.IssueID,
		WorkerID:   opts.WorkerID,
		Status:     domain.TaskAssigned,
		AssignedAt: now,
	}
	if opts.DepartmentID != "" {
		t.DepartmentID = &opts.DepartmentID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	issue, err := e.Repo.GetIssueTx(ctx, tx, opts.IssueID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("issue %s: %w", opts.IssueID, err)
		}
		return domain.Task{}, err
	}
	if issue.Status != domain.IssueReported {
		return domain.Task{}, &ConflictError{IssueID: issue.ID, Status: issue.Status}
	}
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		// Unique active-task index: a concurrent CreateTask won the race.
		if repo.IsUniqueViolation(err) {
			return domain.Task{}, &ConflictError{IssueID: issue.ID, Status: domain.IssueAssigned}
		}
		return domain.Task{}, err
	}
	if err := e.Repo.AssignIssueTx(ctx, tx, issue.ID, opts.WorkerID, now); err != nil {
		return domain.Task{}, err
	}
	actor := opts.ActorID
	if actor == "" {
		actor = "dispatch"
	}
	if err := e.Events.Append(ctx, tx, "task.created", "task", t.ID, actor, events.EventPayload{
		"issue_id":  issue.ID,
		"worker_id": opts.WorkerID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	e.dispatch(notify.KeyTaskAssigned, notify.Message{
		UserID:  opts.WorkerID,
		TaskID:  t.ID,
		Type:    "TASK_ASSIGNED",
		Message: fmt.Sprintf("New task assigned: issue %s", issue.ID),
		Metadata: map[string]any{
			"task_id":  t.ID,
			"issue_id": issue.ID,
		},
	})
	e.log().Info("task created", "task_id", t.ID, "issue_id", issue.ID, "worker_id", opts.WorkerID)
	return t, nil
}

// VerifyGeofenceEntry checks the worker's position against the issue
// location. The first confirmed presence transitions the task to STARTED
// and stamps geofence_entered_at; repeated calls while inside the radius
// change nothing. The distance is returned either way so callers can show
// how far away the worker still is.
func (e Engine) VerifyGeofenceEntry(ctx context.Context, taskID string, lat, lon float64) (domain.GeofenceCheck, error) {
	if err := validateCoords(lat, lon); err != nil {
		return domain.GeofenceCheck{}, err
	}
	task, issue, err := e.Repo.GetTaskWithIssue(ctx, taskID)
	if err != nil {
		return domain.GeofenceCheck{}, err
	}

	d := geo.Distance(geo.Point{Lat: issue.Latitude, Lon: issue.Longitude}, geo.Point{Lat: lat, Lon: lon})
	within := d <= geo.TaskPresenceRadiusMeters
	now := e.now().UTC().Format(time.RFC3339)

	if within && task.GeofenceEnteredAt == nil && task.Status == domain.TaskAssigned {
		if err := ensureTransition(task.Status, domain.TaskStarted); err != nil {
			return domain.GeofenceCheck{}, err
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.GeofenceCheck{}, err
		}
		defer tx.Rollback()
		// Guarded update: concurrent duplicate calls stamp at most once.
		stamped, err := e.Repo.StampGeofenceEntryTx(ctx, tx, taskID, now)
		if err != nil {
			return domain.GeofenceCheck{}, err
		}
		if stamped {
			if err := e.Events.Append(ctx, tx, "task.started", "task", taskID, task.WorkerID, events.EventPayload{
				"distance_meters": d,
			}); err != nil {
				return domain.GeofenceCheck{}, err
			}
		}
		if err := tx.Commit(); err != nil {
			return domain.GeofenceCheck{}, err
		}
		if stamped {
			e.log().Info("worker entered geofence", "task_id", taskID, "distance_meters", d)
		}
	}

	return domain.GeofenceCheck{
		IsWithinGeofence: within,
		DistanceMeters:   d,
		Timestamp:        now,
	}, nil
}

// SubmissionOptions carry the evidence for a completion attempt.
type SubmissionOptions struct {
	TaskID         string
	BeforePhotoURL string
	AfterPhotoURL  string
	Lat            float64
	Lon            float64
}

// SubmitCompletion re-checks presence, asks the oracle to judge the
// evidence, then commits evidence, verdict, duration and the final status
// in one transaction; a verified task also resolves its issue in that same
// commit. The oracle call runs before the write transaction opens so a slow
// oracle never holds the store's write lock; if it fails, nothing is
// persisted and the worker may resubmit.
func (e Engine) SubmitCompletion(ctx context.Context, opts SubmissionOptions) (domain.Task, error) {
	if opts.BeforePhotoURL == "" || opts.AfterPhotoURL == "" {
		return domain.Task{}, errors.New("before and after photo URLs are required")
	}
	if err := validateCoords(opts.Lat, opts.Lon); err != nil {
		return domain.Task{}, err
	}
	task, issue, err := e.Repo.GetTaskWithIssue(ctx, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := ensureTransition(task.Status, domain.TaskSubmitted); err != nil {
		return task, err
	}

	// Presence at submission is independent of the entry check; the worker
	// may have left and returned. Same radius as the start check.
	d := geo.Distance(geo.Point{Lat: issue.Latitude, Lon: issue.Longitude}, geo.Point{Lat: opts.Lat, Lon: opts.Lon})
	if d > geo.TaskPresenceRadiusMeters {
		return task, &PreconditionError{TaskID: task.ID, DistanceMeters: d, RadiusMeters: geo.TaskPresenceRadiusMeters}
	}

	result, err := e.Oracle.Verify(ctx, task.ID, opts.BeforePhotoURL, opts.AfterPhotoURL, opts.Lat, opts.Lon)
	if err != nil {
		var pe *oracle.ProtocolError
		if errors.As(err, &pe) {
			e.log().Error("verification oracle protocol violation", "task_id", task.ID, "error", err)
		} else {
			e.log().Warn("verification oracle unavailable", "task_id", task.ID, "error", err)
		}
		return task, err
	}

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return task, err
	}
	defer tx.Rollback()

	// Re-read under the write transaction: a concurrent submission may
	// have finished while the oracle was thinking.
	cur, err := e.Repo.GetTaskTx(ctx, tx, task.ID)
	if err != nil {
		return task, err
	}
	if err := ensureTransition(cur.Status, domain.TaskSubmitted); err != nil {
		return cur, err
	}
	if cur.StartedAt == nil {
		return cur, &TransitionError{From: cur.Status, To: domain.TaskSubmitted}
	}
	started, err := time.Parse(time.RFC3339, *cur.StartedAt)
	if err != nil {
		return cur, fmt.Errorf("parse started_at: %w", err)
	}
	duration := now.Sub(started).Minutes()
	if duration < 0 {
		return cur, ErrClockSkew
	}

	final := domain.TaskRejected
	verification := "FAILED"
	if result.Resolved {
		final = domain.TaskVerified
		verification = "VERIFIED"
	}
	if err := ensureTransition(domain.TaskSubmitted, final); err != nil {
		return cur, err
	}

	cur.Status = final
	cur.CompletedAt = &nowStr
	cur.BeforePhotoURL = &opts.BeforePhotoURL
	cur.AfterPhotoURL = &opts.AfterPhotoURL
	cur.VerificationStatus = &verification
	cur.VerificationScore = &result.Confidence
	cur.VerificationNotes = &result.Analysis
	cur.DurationMinutes = &duration

	if err := e.Repo.CompleteTaskTx(ctx, tx, cur); err != nil {
		return cur, err
	}
	if result.Resolved {
		// Same commit as the VERIFIED transition: readers never observe a
		// resolved issue with an unverified task.
		if err := e.Repo.ResolveIssueTx(ctx, tx, issue.ID, result.Analysis, now.Format("2006-01-02")); err != nil {
			return cur, err
		}
		if err := e.Events.Append(ctx, tx, "task.verified", "task", cur.ID, cur.WorkerID, events.EventPayload{
			"confidence": result.Confidence,
			"issue_id":   issue.ID,
		}); err != nil {
			return cur, err
		}
	} else {
		if err := e.Events.Append(ctx, tx, "task.rejected", "task", cur.ID, cur.WorkerID, events.EventPayload{
			"confidence": result.Confidence,
		}); err != nil {
			return cur, err
		}
	}
	if err := tx.Commit(); err != nil {
		return cur, err
	}

	if result.Resolved {
		e.log().Info("task verified", "task_id", cur.ID, "confidence", result.Confidence)
		if _, err := e.InitiateCommunityVoting(ctx, cur.ID); err != nil {
			var ai *AlreadyInitiatedError
			if !errors.As(err, &ai) {
				e.log().Warn("community voting initiation failed", "task_id", cur.ID, "error", err)
			}
		}
	} else {
		e.log().Warn("task verification failed", "task_id", cur.ID, "confidence", result.Confidence)
	}
	return cur, nil
}

// InitiateCommunityVoting asks citizens near the issue to confirm the fix.
// The voting claim is a set-once column, so a second invocation gets
// AlreadyInitiatedError instead of a duplicate fan-out. Publishes run in
// parallel, each bounded by the publisher's timeout; one broken recipient
// channel never fails or serializes the rest.
func (e Engine) InitiateCommunityVoting(ctx context.Context, taskID string) (int, error) {
	task, issue, err := e.Repo.GetTaskWithIssue(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if task.Status != domain.TaskVerified {
		return 0, fmt.Errorf("task %s is %s; community voting requires a verified completion", taskID, task.Status)
	}

	citizens, err := e.Repo.ListCitizensWithLocation(ctx)
	if err != nil {
		return 0, err
	}
	origin := geo.Point{Lat: issue.Latitude, Lon: issue.Longitude}
	var recipients []domain.User
	for _, c := range citizens {
		p := geo.Point{Lat: *c.Latitude, Lon: *c.Longitude}
		if geo.IsWithin(origin, p, geo.VotingRadiusMeters) {
			recipients = append(recipients, c)
			if len(recipients) == geo.VotingRecipientCap {
				break
			}
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	claimed, err := e.Repo.ClaimVotingTx(ctx, tx, taskID, now)
	if err != nil {
		return 0, err
	}
	if !claimed {
		return 0, &AlreadyInitiatedError{TaskID: taskID}
	}
	if err := e.Events.Append(ctx, tx, "voting.initiated", "task", taskID, "system", events.EventPayload{
		"recipients": len(recipients),
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	for _, c := range recipients {
		wg.Add(1)
		go func(u domain.User) {
			defer wg.Done()
			e.publish(notify.KeyVotingRequest, notify.Message{
				UserID:  u.ID,
				TaskID:  taskID,
				Type:    "VOTING_REQUEST",
				Message: "Please verify: has this civic issue been resolved properly?",
			})
		}(c)
	}
	wg.Wait()

	e.log().Info("community voting initiated", "task_id", taskID, "recipients", len(recipients))
	return len(recipients), nil
}

// VoteOptions record a citizen's judgement on a verified task.
type VoteOptions struct {
	TaskID    string
	CitizenID string
	Vote      domain.VoteKind
	Comment   string
}

// RecordVote tallies one vote per citizen per task, only while voting is
// open (task verified and voting initiated).
func (e Engine) RecordVote(ctx context.Context, opts VoteOptions) (domain.Task, error) {
	if opts.CitizenID == "" {
		return domain.Task{}, errors.New("citizen is required")
	}
	if opts.Vote != domain.VoteUp && opts.Vote != domain.VoteDown {
		return domain.Task{}, fmt.Errorf("invalid vote %q", opts.Vote)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.Status != domain.TaskVerified || task.VotingInitiatedAt == nil {
		return task, fmt.Errorf("voting not open for task %s", opts.TaskID)
	}
	v := domain.Vote{
		TaskID:    opts.TaskID,
		CitizenID: opts.CitizenID,
		Vote:      opts.Vote,
		Comment:   opts.Comment,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertVoteTx(ctx, tx, v); err != nil {
		if repo.IsUniqueViolation(err) {
			return task, &DuplicateVoteError{TaskID: opts.TaskID, CitizenID: opts.CitizenID}
		}
		return task, err
	}
	if err := e.Repo.ApplyVoteTx(ctx, tx, opts.TaskID, opts.Vote); err != nil {
		return task, err
	}
	if err := e.Events.Append(ctx, tx, "vote.recorded", "task", opts.TaskID, opts.CitizenID, events.EventPayload{
		"vote": string(opts.Vote),
	}); err != nil {
		return task, err
	}
	if err := tx.Commit(); err != nil {
		return task, err
	}
	return e.Repo.GetTask(ctx, opts.TaskID)
}

// GetTask returns a task with its issue metadata.
func (e Engine) GetTask(ctx context.Context, taskID string) (domain.Task, domain.Issue, error) {
	return e.Repo.GetTaskWithIssue(ctx, taskID)
}

// GetWorkerTasks lists a worker's tasks, optionally filtered by status.
func (e Engine) GetWorkerTasks(ctx context.Context, workerID string, status domain.TaskStatus) ([]domain.WorkerTask, error) {
	if workerID == "" {
		return nil, errors.New("worker is required")
	}
	switch status {
	case "", domain.TaskAssigned, domain.TaskStarted, domain.TaskSubmitted, domain.TaskVerified, domain.TaskRejected:
	default:
		return nil, fmt.Errorf("invalid task status %q", status)
	}
	return e.Repo.ListWorkerTasks(ctx, workerID, status)
}

// dispatch publishes after commit without blocking the caller.
func (e Engine) dispatch(key string, msg notify.Message) {
	if e.Notifier == nil {
		return
	}
	if e.notifyWG == nil {
		e.publish(key, msg)
		return
	}
	e.notifyWG.Add(1)
	go func() {
		defer e.notifyWG.Done()
		e.publish(key, msg)
	}()
}

// publish is best-effort: failures are logged and swallowed.
func (e Engine) publish(key string, msg notify.Message) {
	if e.Notifier == nil {
		return
	}
	if msg.Timestamp == "" {
		msg.Timestamp = e.now().UTC().Format(time.RFC3339)
	}
	if err := e.Notifier.Publish(context.Background(), key, msg); err != nil {
		e.log().Warn("notification delivery failed", "routing_key", key, "user_id", msg.UserID, "error", err)
	}
}

func validateCoords(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("invalid latitude %v", lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("invalid longitude %v", lon)
	}
	return nil
}
