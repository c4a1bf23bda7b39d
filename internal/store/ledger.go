package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateUser creates a user with an initial token grant. If the grant is
// positive an ADJUSTMENT entry is appended so the ledger stays reconciled.
func (s *Store) CreateUser(ctx context.Context, userID string, initialTokens int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, tokens, created_at) VALUES (?, ?, ?)`,
		userID, initialTokens, formatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}

	if initialTokens > 0 {
		if err := appendEntry(ctx, tx, LedgerEntry{
			UserID:      userID,
			Type:        EntryAdjustment,
			Amount:      initialTokens,
			Description: "Initial token grant",
		}); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Balance returns the current token balance for a user.
func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var tokens int64
	err := s.db.QueryRowContext(ctx,
		`SELECT tokens FROM users WHERE id = ?`, userID).Scan(&tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return tokens, nil
}

// Debit atomically removes amount tokens from the user and appends one
// ledger entry of -amount. The decrement is conditional on the balance
// covering the amount; two concurrent debits for the same user cannot both
// succeed past the balance.
func (s *Store) Debit(ctx context.Context, userID string, amount int64, typ EntryType, description, referenceID string) error {
	if amount <= 0 {
		return fmt.Errorf("store: debit amount must be positive, got %d", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := debitUser(ctx, tx, userID, amount); err != nil {
		return err
	}
	if err := appendEntry(ctx, tx, LedgerEntry{
		UserID:      userID,
		Type:        typ,
		Amount:      -amount,
		Description: description,
		ReferenceID: referenceID,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// Credit atomically adds amount tokens to the user and appends one ledger
// entry of +amount. Used for refunds, purchases, and admin adjustments.
func (s *Store) Credit(ctx context.Context, userID string, amount int64, typ EntryType, description, referenceID string) error {
	if amount <= 0 {
		return fmt.Errorf("store: credit amount must be positive, got %d", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := creditUser(ctx, tx, userID, amount); err != nil {
		return err
	}
	if err := appendEntry(ctx, tx, LedgerEntry{
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		Description: description,
		ReferenceID: referenceID,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// History returns the user's ledger entries, newest first.
func (s *Store) History(ctx context.Context, userID string) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, description, reference_id, created_at
		FROM token_ledger
		WHERE user_id = ?
		ORDER BY id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount,
			&e.Description, &e.ReferenceID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Reconcile returns the stored balance and the ledger sum for a user.
// The two must match; a mismatch means some write bypassed the ledger.
func (s *Store) Reconcile(ctx context.Context, userID string) (balance, ledgerSum int64, err error) {
	balance, err = s.Balance(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM token_ledger WHERE user_id = ?`,
		userID).Scan(&ledgerSum)
	if err != nil {
		return 0, 0, fmt.Errorf("sum ledger: %w", err)
	}
	return balance, ledgerSum, nil
}

// AwardExp records an experience reward. Experience is a secondary reward
// kept outside the token ledger.
func (s *Store) AwardExp(ctx context.Context, userID string, amount int64, description, referenceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET exp = exp + ? WHERE id = ?`, amount, userID)
	if err != nil {
		return fmt.Errorf("update exp: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO exp_history (user_id, amount, description, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, amount, description, referenceID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert exp entry: %w", err)
	}

	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// debitUser performs the conditional decrement inside tx. Returns
// ErrInsufficientBalance when the balance cannot cover the amount
// (or the user does not exist).
func debitUser(ctx context.Context, tx execer, userID string, amount int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET tokens = tokens - ? WHERE id = ? AND tokens >= ?`,
		amount, userID, amount)
	if err != nil {
		return fmt.Errorf("debit user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func creditUser(ctx context.Context, tx execer, userID string, amount int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET tokens = tokens + ? WHERE id = ?`, amount, userID)
	if err != nil {
		return fmt.Errorf("credit user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func appendEntry(ctx context.Context, tx execer, e LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO token_ledger (user_id, type, amount, description, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Type, e.Amount, e.Description, e.ReferenceID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}
