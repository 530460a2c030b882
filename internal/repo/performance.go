package repo

import (
	"context"
	"database/sql"

	"fieldwork/internal/domain"
)

// CompletedTask is the slice of a task row the scoring engine aggregates.
type CompletedTask struct {
	Status            domain.TaskStatus
	VerificationScore sql.NullFloat64
	DurationMinutes   sql.NullFloat64
	Upvotes           int
	Downvotes         int
}

// CompletedTasksForMonth returns the worker's tasks that reached a terminal
// state in the given calendar month (monthYear is "YYYY-MM").
func (r Repo) CompletedTasksForMonth(ctx context.Context, workerID, monthYear string) ([]CompletedTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status,verification_score,duration_minutes,upvotes,downvotes
FROM tasks
WHERE worker_id=? AND completed_at IS NOT NULL AND strftime('%Y-%m', completed_at)=?
  AND status IN (?,?)`,
		workerID, monthYear, domain.TaskVerified, domain.TaskRejected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []CompletedTask
	for rows.Next() {
		var t CompletedTask
		if err := rows.Scan(&t.Status, &t.VerificationScore, &t.DurationMinutes, &t.Upvotes, &t.Downvotes); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// AssignedCountForMonth counts tasks assigned to the worker in the month.
func (r Repo) AssignedCountForMonth(ctx context.Context, workerID, monthYear string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE worker_id=? AND strftime('%Y-%m', assigned_at)=?`,
		workerID, monthYear).Scan(&n)
	return n, err
}

// UpsertWorkerPerformanceTx overwrites the monthly row; recomputation never
// double-counts.
func (r Repo) UpsertWorkerPerformanceTx(ctx context.Context, tx *sql.Tx, wp domain.WorkerPerformance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO worker_performance
(worker_id,month_year,tasks_assigned,tasks_completed,tasks_rejected,average_verification_score,community_rating,compliance_score,total_score,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(worker_id,month_year) DO UPDATE SET
tasks_assigned=excluded.tasks_assigned,
tasks_completed=excluded.tasks_completed,
tasks_rejected=excluded.tasks_rejected,
average_verification_score=excluded.average_verification_score,
community_rating=excluded.community_rating,
compliance_score=excluded.compliance_score,
total_score=excluded.total_score,
updated_at=excluded.updated_at`,
		wp.WorkerID, wp.MonthYear, wp.TasksAssigned, wp.TasksCompleted, wp.TasksRejected,
		wp.AverageVerificationScore, wp.CommunityRating, wp.ComplianceScore, wp.TotalScore, wp.UpdatedAt)
	return err
}

func (r Repo) GetWorkerPerformance(ctx context.Context, workerID, monthYear string) (domain.WorkerPerformance, error) {
	var wp domain.WorkerPerformance
	err := r.DB.QueryRowContext(ctx, `SELECT worker_id,month_year,tasks_assigned,tasks_completed,tasks_rejected,
average_verification_score,community_rating,compliance_score,total_score,updated_at
FROM worker_performance WHERE worker_id=? AND month_year=?`, workerID, monthYear).
		Scan(&wp.WorkerID, &wp.MonthYear, &wp.TasksAssigned, &wp.TasksCompleted, &wp.TasksRejected,
			&wp.AverageVerificationScore, &wp.CommunityRating, &wp.ComplianceScore, &wp.TotalScore, &wp.UpdatedAt)
	if err == sql.ErrNoRows {
		return wp, ErrNotFound
	}
	return wp, err
}
