package repo

import (
	"context"
	"database/sql"
	"strings"

	"sambi/internal/domain"
)

const txCols = `id,user_id,amount,type,status,reference,COALESCE(project_id,''),COALESCE(note,''),created_at,resolved_at`

func scanTransaction(row rowScanner) (domain.WalletTransaction, error) {
	var t domain.WalletTransaction
	var resolved sql.NullString
	err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Status, &t.Reference, &t.ProjectID, &t.Note, &t.CreatedAt, &resolved)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if resolved.Valid {
		t.ResolvedAt = &resolved.String
	}
	return t, err
}

// InsertTransactionTx appends a ledger row. Rows are never updated in place
// apart from the single pending -> completed/failed resolution.
func (r Repo) InsertTransactionTx(ctx context.Context, tx *sql.Tx, t domain.WalletTransaction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO wallet_transactions(id,user_id,amount,type,status,reference,project_id,note,created_at,resolved_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.Amount, t.Type, t.Status, t.Reference, nullable(t.ProjectID), nullable(t.Note), t.CreatedAt, nullableStringPtr(t.ResolvedAt))
	return err
}

func (r Repo) GetTransactionByReference(ctx context.Context, reference string) (domain.WalletTransaction, error) {
	return scanTransaction(r.DB.QueryRowContext(ctx, `SELECT `+txCols+` FROM wallet_transactions WHERE reference=?`, reference))
}

func (r Repo) GetTransactionByReferenceTx(ctx context.Context, tx *sql.Tx, reference string) (domain.WalletTransaction, error) {
	return scanTransaction(tx.QueryRowContext(ctx, `SELECT `+txCols+` FROM wallet_transactions WHERE reference=?`, reference))
}

// ResolveTransaction moves a pending ledger row to completed or failed. Rows
// already resolved are left untouched; the guard makes gateway callback
// replays no-ops.
func (r Repo) ResolveTransaction(ctx context.Context, tx *sql.Tx, reference, toStatus, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE wallet_transactions SET status=?, resolved_at=? WHERE reference=? AND status=?`,
		toStatus, now, reference, domain.TxPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Balance is the sum of completed ledger rows for a user.
func (r Repo) Balance(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM wallet_transactions WHERE user_id=? AND status=?`,
		userID, domain.TxCompleted).Scan(&sum)
	return sum, err
}

// AvailableBalance is the completed balance minus pending debits.
func (r Repo) AvailableBalance(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := r.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount),0) FROM wallet_transactions WHERE user_id=? AND (status=? OR (status=? AND amount<0))`,
		userID, domain.TxCompleted, domain.TxPending).Scan(&sum)
	return sum, err
}

// AvailableBalanceTx is the completed balance minus pending debits, read
// inside a transaction so accept decisions see a consistent snapshot.
func (r Repo) AvailableBalanceTx(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	var sum int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount),0) FROM wallet_transactions WHERE user_id=? AND (status=? OR (status=? AND amount<0))`,
		userID, domain.TxCompleted, domain.TxPending).Scan(&sum)
	return sum, err
}

type TransactionFilters struct {
	UserID          string
	Type            string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTransactions(ctx context.Context, f TransactionFilters) ([]domain.WalletTransaction, error) {
	clauses := []string{"user_id=?"}
	args := []any{f.UserID}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + txCols + ` FROM wallet_transactions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WalletTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// StalePendingTransactions returns pending rows created at or before the
// cutoff, oldest first. The reconciler fails these.
func (r Repo) StalePendingTransactions(ctx context.Context, cutoff string, limit int) ([]domain.WalletTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+txCols+` FROM wallet_transactions WHERE status=? AND created_at<=? ORDER BY created_at ASC LIMIT ?`,
		domain.TxPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WalletTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// HasRefundForReference reports whether a corrective refund row already
// exists for the original transaction reference.
func (r Repo) HasRefundForReference(ctx context.Context, tx *sql.Tx, originalReference string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM wallet_transactions WHERE type=? AND note=?`,
		domain.TxRefund, RefundNote(originalReference)).Scan(&n)
	return n > 0, err
}

// RefundNote is the note linking a refund row to the transaction it reverses.
func RefundNote(originalReference string) string {
	return "refund_of:" + originalReference
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
