package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"dockyard/internal/domain"
)

// SavePollingJob upserts a job keyed by its job id. The payload travels as
// JSON so the scheduler can evolve it without schema churn.
func (r Repo) SavePollingJob(ctx context.Context, j domain.PollingJob) error {
	data, err := json.Marshal(j.Data)
	if err != nil {
		return fmt.Errorf("marshal polling data: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO polling_jobs(job_id,terminal_token,data_json,updated_at) VALUES (?,?,?,?)
		ON CONFLICT(job_id) DO UPDATE SET terminal_token=excluded.terminal_token, data_json=excluded.data_json, updated_at=excluded.updated_at`,
		j.JobID, j.TerminalToken, string(data), j.UpdatedAt)
	return err
}

func (r Repo) GetPollingJob(ctx context.Context, jobID string) (domain.PollingJob, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT job_id,terminal_token,data_json,updated_at FROM polling_jobs WHERE job_id=?`, jobID)
	return scanPollingJob(row.Scan)
}

func (r Repo) ListPollingJobs(ctx context.Context) ([]domain.PollingJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT job_id,terminal_token,data_json,updated_at FROM polling_jobs ORDER BY job_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PollingJob
	for rows.Next() {
		j, err := scanPollingJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) DeletePollingJob(ctx context.Context, jobID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM polling_jobs WHERE job_id=?`, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPollingJob(scan func(dest ...any) error) (domain.PollingJob, error) {
	var j domain.PollingJob
	var data string
	err := scan(&j.JobID, &j.TerminalToken, &data, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if err := json.Unmarshal([]byte(data), &j.Data); err != nil {
		return j, fmt.Errorf("decode polling data for %s: %w", j.JobID, err)
	}
	return j, nil
}
