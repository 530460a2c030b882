package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"fieldwork/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const issueColumns = `id,issue_type,severity,COALESCE(description,''),latitude,longitude,COALESCE(address,''),status,COALESCE(reported_by,''),assigned_to,assigned_at,resolution_notes,actual_completion_date,created_at`

func scanIssue(row *sql.Row) (domain.Issue, error) {
	var i domain.Issue
	err := row.Scan(&i.ID, &i.Type, &i.Severity, &i.Description, &i.Latitude, &i.Longitude,
		&i.Address, &i.Status, &i.ReportedBy, &i.AssignedTo, &i.AssignedAt,
		&i.ResolutionNotes, &i.ActualCompletionDate, &i.CreatedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	return i, err
}

func (r Repo) InsertIssue(ctx context.Context, i domain.Issue) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO issues(id,issue_type,severity,description,latitude,longitude,address,status,reported_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.Type, i.Severity, nullable(i.Description), i.Latitude, i.Longitude,
		nullable(i.Address), i.Status, nullable(i.ReportedBy), i.CreatedAt)
	return err
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	return scanIssue(r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	return scanIssue(tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
}

func (r Repo) ListIssues(ctx context.Context, status domain.IssueStatus) ([]domain.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		var i domain.Issue
		if err := rows.Scan(&i.ID, &i.Type, &i.Severity, &i.Description, &i.Latitude, &i.Longitude,
			&i.Address, &i.Status, &i.ReportedBy, &i.AssignedTo, &i.AssignedAt,
			&i.ResolutionNotes, &i.ActualCompletionDate, &i.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

// AssignIssueTx marks an issue assigned. The caller holds the transaction
// that also inserts the task, so both become visible atomically.
func (r Repo) AssignIssueTx(ctx context.Context, tx *sql.Tx, issueID, workerID, at string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET status=?, assigned_to=?, assigned_at=? WHERE id=?`,
		domain.IssueAssigned, workerID, at, issueID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveIssueTx moves an issue to RESOLVED with the oracle's analysis as
// resolution notes.
func (r Repo) ResolveIssueTx(ctx context.Context, tx *sql.Tx, issueID, notes, completionDate string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET status=?, resolution_notes=?, actual_completion_date=? WHERE id=?`,
		domain.IssueResolved, notes, completionDate, issueID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `id,issue_id,worker_id,department_id,status,assigned_at,started_at,geofence_entered_at,completed_at,before_photo_url,after_photo_url,verification_status,verification_score,verification_notes,duration_minutes,upvotes,downvotes,voting_initiated_at`

func scanTask(row *sql.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.IssueID, &t.WorkerID, &t.DepartmentID, &t.Status, &t.AssignedAt,
		&t.StartedAt, &t.GeofenceEnteredAt, &t.CompletedAt, &t.BeforePhotoURL, &t.AfterPhotoURL,
		&t.VerificationStatus, &t.VerificationScore, &t.VerificationNotes, &t.DurationMinutes,
		&t.Upvotes, &t.Downvotes, &t.VotingInitiatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,issue_id,worker_id,department_id,status,assigned_at,upvotes,downvotes)
VALUES (?,?,?,?,?,?,0,0)`,
		t.ID, t.IssueID, t.WorkerID, t.DepartmentID, t.Status, t.AssignedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// GetTaskWithIssue loads a task and its linked issue in one round trip.
func (r Repo) GetTaskWithIssue(ctx context.Context, id string) (domain.Task, domain.Issue, error) {
	t, err := r.GetTask(ctx, id)
	if err != nil {
		return t, domain.Issue{}, err
	}
	i, err := r.GetIssue(ctx, t.IssueID)
	return t, i, err
}

// StampGeofenceEntryTx transitions ASSIGNED -> STARTED and records the
// entry timestamp, guarded so concurrent duplicate calls stamp at most
// once. Returns whether this call performed the transition.
func (r Repo) StampGeofenceEntryTx(ctx context.Context, tx *sql.Tx, taskID, at string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, started_at=?, geofence_entered_at=? WHERE id=? AND status=? AND geofence_entered_at IS NULL`,
		domain.TaskStarted, at, at, taskID, domain.TaskAssigned)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteTaskTx writes the evidence, verification outcome, duration and
// final status in one statement.
func (r Repo) CompleteTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET
status=?, completed_at=?, before_photo_url=?, after_photo_url=?,
verification_status=?, verification_score=?, verification_notes=?, duration_minutes=?
WHERE id=?`,
		t.Status, t.CompletedAt, t.BeforePhotoURL, t.AfterPhotoURL,
		t.VerificationStatus, t.VerificationScore, t.VerificationNotes, t.DurationMinutes,
		t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimVotingTx marks voting initiated if it never was. Returns false when
// another call already claimed it.
func (r Repo) ClaimVotingTx(ctx context.Context, tx *sql.Tx, taskID, at string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET voting_initiated_at=? WHERE id=? AND voting_initiated_at IS NULL`,
		at, taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListWorkerTasks returns a worker's tasks joined with issue metadata,
// newest assignment first, optionally filtered by status.
func (r Repo) ListWorkerTasks(ctx context.Context, workerID string, status domain.TaskStatus) ([]domain.WorkerTask, error) {
	clauses := []string{"t.worker_id=?"}
	args := []any{workerID}
	if status != "" {
		clauses = append(clauses, "t.status=?")
		args = append(args, status)
	}
	query := `SELECT t.` + strings.ReplaceAll(taskColumns, ",", ",t.") + `,
i.issue_type, i.severity, COALESCE(i.description,''), i.latitude, i.longitude, COALESCE(i.address,'')
FROM tasks t JOIN issues i ON t.issue_id = i.id
WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY t.assigned_at DESC, t.id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkerTask
	for rows.Next() {
		var w domain.WorkerTask
		if err := rows.Scan(&w.ID, &w.IssueID, &w.WorkerID, &w.DepartmentID, &w.Status, &w.AssignedAt,
			&w.StartedAt, &w.GeofenceEnteredAt, &w.CompletedAt, &w.BeforePhotoURL, &w.AfterPhotoURL,
			&w.VerificationStatus, &w.VerificationScore, &w.VerificationNotes, &w.DurationMinutes,
			&w.Upvotes, &w.Downvotes, &w.VotingInitiatedAt,
			&w.IssueType, &w.IssueSeverity, &w.Description, &w.Latitude, &w.Longitude, &w.Address); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events
WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// IsUniqueViolation reports whether err is a sqlite unique-constraint
// failure, used to map insert races onto domain conflicts.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: tasks.issue_id")
}
