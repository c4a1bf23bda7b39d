package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Admit atomically admits a generation request: debit cost tokens from the
// user, create the job in PENDING, create its attempt with tokensUsed=cost,
// and append a SPEND ledger entry of -cost. All four writes commit or none
// do. Returns ErrInsufficientBalance (nothing persisted) when the balance
// cannot cover cost.
func (s *Store) Admit(ctx context.Context, job *Job, cost int64) error {
	if cost <= 0 {
		return fmt.Errorf("store: admit cost must be positive, got %d", cost)
	}

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := debitUser(ctx, tx, job.UserID, cost); err != nil {
		return err
	}

	now := time.Now()
	job.Status = StatusPending
	job.TokensReserved = cost
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, prompt, params, status, tokens_reserved, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.Prompt, string(paramsJSON), StatusPending,
		cost, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attempts (job_id, user_id, tokens_used, status)
		VALUES (?, ?, ?, ?)`,
		job.ID, job.UserID, cost, StatusPending)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}

	if err := appendEntry(ctx, tx, LedgerEntry{
		UserID:      job.UserID,
		Type:        EntrySpend,
		Amount:      -cost,
		Description: fmt.Sprintf("Tokens used for video generation: %s", job.ID),
		ReferenceID: job.ID,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// MarkProcessing transitions the job and its attempt to PROCESSING.
// Returns false without writing when the job is already terminal, which is
// how a redelivered message for a finished job becomes a no-op.
func (s *Store) MarkProcessing(ctx context.Context, jobID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusProcessing, formatTime(time.Now()),
		jobID, StatusPending, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE attempts SET status = ?
		WHERE job_id = ? AND status IN (?, ?)`,
		StatusProcessing, jobID, StatusPending, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("update attempt: %w", err)
	}

	return true, tx.Commit()
}

// CompleteJob transitions the job and attempt to COMPLETED and records the
// given artifact URLs, all in one transaction conditioned on the job not
// being terminal. Returns false without writing when another delivery
// already finished the job.
func (s *Store) CompleteJob(ctx context.Context, jobID string, artifacts []Artifact) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		StatusCompleted, formatTime(now),
		jobID, StatusCompleted, StatusFailed)
	if err != nil {
		return false, fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE attempts SET status = ? WHERE job_id = ?`,
		StatusCompleted, jobID)
	if err != nil {
		return false, fmt.Errorf("update attempt: %w", err)
	}

	for _, a := range artifacts {
		kind := a.Kind
		if kind == "" {
			kind = ArtifactKindVideo
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO artifacts (job_id, url, kind, created_at)
			VALUES (?, ?, ?, ?)`,
			jobID, a.URL, kind, formatTime(now))
		if err != nil {
			return false, fmt.Errorf("insert artifact: %w", err)
		}
	}

	return true, tx.Commit()
}

// FailJob runs the compensation path: transition job and attempt to FAILED
// with the error message, and if the attempt reserved tokens, credit them
// back with a REFUND ledger entry. One transaction, conditioned on the
// attempt not being terminal — entering the failure path twice (e.g. via
// redelivery) cannot refund twice. Returns the refunded amount and whether
// the transition was applied.
func (s *Store) FailJob(ctx context.Context, jobID, errorMessage string) (refunded int64, applied bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var userID string
	var tokensUsed int64
	var status JobStatus
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, tokens_used, status FROM attempts WHERE job_id = ?`,
		jobID).Scan(&userID, &tokensUsed, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("query attempt: %w", err)
	}
	if status.Terminal() {
		return 0, false, nil
	}

	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		StatusFailed, errorMessage, now,
		jobID, StatusCompleted, StatusFailed)
	if err != nil {
		return 0, false, fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE attempts SET status = ?, error_message = ? WHERE job_id = ?`,
		StatusFailed, errorMessage, jobID)
	if err != nil {
		return 0, false, fmt.Errorf("update attempt: %w", err)
	}

	if tokensUsed > 0 {
		if err := creditUser(ctx, tx, userID, tokensUsed); err != nil {
			return 0, false, err
		}
		if err := appendEntry(ctx, tx, LedgerEntry{
			UserID:      userID,
			Type:        EntryRefund,
			Amount:      tokensUsed,
			Description: fmt.Sprintf("Refund for failed video generation: %s", jobID),
			ReferenceID: jobID,
		}); err != nil {
			return 0, false, err
		}
		refunded = tokensUsed
	}

	return refunded, true, tx.Commit()
}

// GetJob returns the job, its attempt, and any artifacts.
func (s *Store) GetJob(ctx context.Context, jobID string) (*JobDetail, error) {
	var d JobDetail
	var paramsJSON, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, prompt, params, status, tokens_reserved, error_message, created_at, updated_at
		FROM jobs WHERE id = ?`, jobID).Scan(
		&d.Job.ID, &d.Job.UserID, &d.Job.Prompt, &paramsJSON, &d.Job.Status,
		&d.Job.TokensReserved, &d.Job.ErrorMessage, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &d.Job.Params); err != nil {
		return nil, fmt.Errorf("parse job params: %w", err)
	}
	d.Job.CreatedAt = parseTime(createdAt)
	d.Job.UpdatedAt = parseTime(updatedAt)

	err = s.db.QueryRowContext(ctx, `
		SELECT id, job_id, user_id, tokens_used, status, error_message
		FROM attempts WHERE job_id = ?`, jobID).Scan(
		&d.Attempt.ID, &d.Attempt.JobID, &d.Attempt.UserID,
		&d.Attempt.TokensUsed, &d.Attempt.Status, &d.Attempt.ErrorMessage)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query attempt: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, url, kind, created_at
		FROM artifacts WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a Artifact
		var at string
		if err := rows.Scan(&a.ID, &a.JobID, &a.URL, &a.Kind, &at); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.CreatedAt = parseTime(at)
		d.Artifacts = append(d.Artifacts, a)
	}
	return &d, rows.Err()
}

// StaleProcessing returns jobs stuck in PROCESSING since before cutoff.
// The reconciliation sweep fails and refunds these.
func (s *Store) StaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]Job, error) {
	return s.jobsByStatusBefore(ctx, StatusProcessing, cutoff, limit)
}

// PendingBefore returns jobs still PENDING since before cutoff. These were
// admitted but their enqueue never happened (or was lost); the sweep
// re-enqueues them.
func (s *Store) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Job, error) {
	return s.jobsByStatusBefore(ctx, StatusPending, cutoff, limit)
}

func (s *Store) jobsByStatusBefore(ctx context.Context, status JobStatus, cutoff time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, prompt, params, status, tokens_reserved, error_message, created_at, updated_at
		FROM jobs
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`, status, formatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var paramsJSON, createdAt, updatedAt string
		if err := rows.Scan(&j.ID, &j.UserID, &j.Prompt, &paramsJSON, &j.Status,
			&j.TokensReserved, &j.ErrorMessage, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal([]byte(paramsJSON), &j.Params); err != nil {
			return nil, fmt.Errorf("parse job params: %w", err)
		}
		j.CreatedAt = parseTime(createdAt)
		j.UpdatedAt = parseTime(updatedAt)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
