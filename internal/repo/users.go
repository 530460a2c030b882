package repo

import (
	"context"
	"database/sql"

	"fieldwork/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,role,name,latitude,longitude,performance_score,created_at)
VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.Role, nullable(u.Name), u.Latitude, u.Longitude, u.PerformanceScore, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,role,COALESCE(name,''),latitude,longitude,performance_score,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Role, &u.Name, &u.Latitude, &u.Longitude, &u.PerformanceScore, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// ListCitizensWithLocation returns citizens that have a known location.
// Distance filtering happens in the engine; the store only holds points.
func (r Repo) ListCitizensWithLocation(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,role,COALESCE(name,''),latitude,longitude,performance_score,created_at
FROM users WHERE role=? AND latitude IS NOT NULL AND longitude IS NOT NULL`, domain.RoleCitizen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Role, &u.Name, &u.Latitude, &u.Longitude, &u.PerformanceScore, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// SetWorkerScoreTx updates the worker's current performance number used by
// dispatch ranking.
func (r Repo) SetWorkerScoreTx(ctx context.Context, tx *sql.Tx, workerID string, score float64) error {
	_, err := tx.ExecContext(ctx, `UPDATE users SET performance_score=? WHERE id=?`, score, workerID)
	return err
}

// InsertVoteTx records one citizen's vote; the primary key rejects a second
// vote from the same citizen on the same task.
func (r Repo) InsertVoteTx(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_votes(task_id,citizen_id,vote,comment,created_at) VALUES (?,?,?,?,?)`,
		v.TaskID, v.CitizenID, v.Vote, nullable(v.Comment), v.CreatedAt)
	return err
}

// ApplyVoteTx bumps the denormalized tally on the task row.
func (r Repo) ApplyVoteTx(ctx context.Context, tx *sql.Tx, taskID string, vote domain.VoteKind) error {
	column := "upvotes"
	if vote == domain.VoteDown {
		column = "downvotes"
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+column+` = `+column+` + 1 WHERE id=?`, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListVotes(ctx context.Context, taskID string) ([]domain.Vote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,citizen_id,vote,COALESCE(comment,''),created_at FROM task_votes WHERE task_id=? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.TaskID, &v.CitizenID, &v.Vote, &v.Comment, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
