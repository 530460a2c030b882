// Package scoring computes monthly composite performance scores for field
// workers from verification confidence, community votes and completion rate.
package scoring

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"fieldwork/internal/domain"
	"fieldwork/internal/events"
	"fieldwork/internal/repo"
)

// Composite weights. The three components are each normalized to [0,1]
// before weighting; the total is scaled to [0,100].
const (
	WeightVerification = 0.4
	WeightCommunity    = 0.3
	WeightCompletion   = 0.3
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Log    *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Log:    slog.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CurrentMonth formats now as the scoring period key.
func (e Engine) CurrentMonth() string {
	return e.now().UTC().Format("2006-01")
}

// ComputeScore aggregates the worker's terminal tasks for the month and
// upserts the monthly performance row. Recomputing the same month replaces
// the previous row; identical inputs produce an identical score. A month
// with no completed tasks yields a zero report and persists nothing.
func (e Engine) ComputeScore(ctx context.Context, workerID, monthYear string) (domain.ScoreReport, error) {
	if workerID == "" {
		return domain.ScoreReport{}, fmt.Errorf("worker is required")
	}
	if monthYear == "" {
		monthYear = e.CurrentMonth()
	}
	if _, err := time.Parse("2006-01", monthYear); err != nil {
		return domain.ScoreReport{}, fmt.Errorf("invalid month %q: want YYYY-MM", monthYear)
	}
	if _, err := e.Repo.GetUser(ctx, workerID); err != nil {
		return domain.ScoreReport{}, err
	}

	tasks, err := e.Repo.CompletedTasksForMonth(ctx, workerID, monthYear)
	if err != nil {
		return domain.ScoreReport{}, err
	}
	assigned, err := e.Repo.AssignedCountForMonth(ctx, workerID, monthYear)
	if err != nil {
		return domain.ScoreReport{}, err
	}

	report := domain.ScoreReport{WorkerID: workerID, MonthYear: monthYear, TasksAssigned: assigned}
	if len(tasks) == 0 {
		return report, nil
	}

	var (
		verified, rejected int
		confidenceSum      float64
		confidenceN        int
		ratingSum          float64
		ratedN             int
		durationSum        float64
		durationN          int
	)
	for _, t := range tasks {
		if t.Status == domain.TaskVerified {
			verified++
		} else {
			rejected++
		}
		if t.VerificationScore.Valid {
			confidenceSum += t.VerificationScore.Float64
			confidenceN++
		}
		// Tasks nobody voted on carry no community signal either way.
		if votes := t.Upvotes + t.Downvotes; votes > 0 {
			ratingSum += float64(t.Upvotes) / float64(votes)
			ratedN++
		}
		if t.DurationMinutes.Valid {
			durationSum += t.DurationMinutes.Float64
			durationN++
		}
	}

	completed := verified + rejected
	report.TasksCompleted = completed
	report.VerifiedTasks = verified
	report.RejectedTasks = rejected
	report.CompletionRate = float64(verified) / float64(completed)
	if confidenceN > 0 {
		report.VerificationScore = confidenceSum / float64(confidenceN)
	}
	if ratedN > 0 {
		report.CommunityScore = ratingSum / float64(ratedN)
	}
	if durationN > 0 {
		report.AvgDurationMinutes = durationSum / float64(durationN)
	}
	report.TotalScore = (report.VerificationScore*WeightVerification +
		report.CommunityScore*WeightCommunity +
		report.CompletionRate*WeightCompletion) * 100
	report.DisplayScore = int(math.Round(report.TotalScore))

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()
	err = e.Repo.UpsertWorkerPerformanceTx(ctx, tx, domain.WorkerPerformance{
		WorkerID:                 workerID,
		MonthYear:                monthYear,
		TasksAssigned:            assigned,
		TasksCompleted:           completed,
		TasksRejected:            rejected,
		AverageVerificationScore: report.VerificationScore,
		CommunityRating:          report.CommunityScore,
		ComplianceScore:          report.CompletionRate,
		TotalScore:               report.TotalScore,
		UpdatedAt:                now,
	})
	if err != nil {
		return report, err
	}
	if err := e.Repo.SetWorkerScoreTx(ctx, tx, workerID, report.TotalScore); err != nil {
		return report, err
	}
	if err := e.Events.Append(ctx, tx, "score.computed", "worker", workerID, "system", events.EventPayload{
		"month_year":  monthYear,
		"total_score": report.TotalScore,
	}); err != nil {
		return report, err
	}
	if err := tx.Commit(); err != nil {
		return report, err
	}

	if e.Log != nil {
		e.Log.Info("worker score computed", "worker_id", workerID, "month_year", monthYear, "total_score", report.TotalScore)
	}
	return report, nil
}
