package repo

import (
	"context"
	"database/sql"
	"strings"

	"sambi/internal/domain"
)

const notificationCols = `id,recipient_id,type,COALESCE(payload_json,''),is_read,created_at`

func scanNotification(row rowScanner) (domain.Notification, error) {
	var n domain.Notification
	var isRead int
	err := row.Scan(&n.ID, &n.RecipientID, &n.Type, &n.PayloadJSON, &isRead, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	n.IsRead = isRead != 0
	return n, err
}

func (r Repo) InsertNotificationTx(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notifications(id,recipient_id,type,payload_json,is_read,created_at) VALUES (?,?,?,?,?,?)`,
		n.ID, n.RecipientID, n.Type, nullable(n.PayloadJSON), boolToInt(n.IsRead), n.CreatedAt)
	return err
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationCols+` FROM notifications WHERE id=?`, id))
}

type NotificationFilters struct {
	RecipientID     string
	UnreadOnly      bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	clauses := []string{"recipient_id=?"}
	args := []any{f.RecipientID}
	if f.UnreadOnly {
		clauses = append(clauses, "is_read=0")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + notificationCols + ` FROM notifications WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkNotificationRead marks one notification read, scoped to its recipient.
func (r Repo) MarkNotificationRead(ctx context.Context, id, recipientID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE id=? AND recipient_id=?`, id, recipientID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE recipient_id=? AND is_read=0`, recipientID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r Repo) DeleteNotification(ctx context.Context, id, recipientID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM notifications WHERE id=? AND recipient_id=?`, id, recipientID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
