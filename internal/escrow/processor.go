package escrow

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"sambi/internal/config"
	"sambi/internal/domain"
	"sambi/internal/events"
	"sambi/internal/repo"
)

// GatewayTimeoutError signals the payment gateway did not answer in time.
type GatewayTimeoutError struct {
	Reference string
}

func (e GatewayTimeoutError) Error() string {
	return fmt.Sprintf("gateway timed out for reference %s", e.Reference)
}

// Processor posts ledger rows for fees, escrow holds, releases and refunds.
// Money movement is delegated to the external gateway: callback-dependent
// rows start pending and are resolved by Resolve or swept by the reconciler.
type Processor struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Client *http.Client
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Processor {
	return Processor{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Client: &http.Client{Timeout: 10 * time.Second},
		Now:    time.Now,
	}
}

func (p Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// NewReference mints a gateway reference with a type prefix so ledger rows
// are greppable by kind.
func NewReference(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func (p Processor) post(ctx context.Context, tx *sql.Tx, t domain.WalletTransaction) (domain.WalletTransaction, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt == "" {
		t.CreatedAt = p.now().UTC().Format(time.RFC3339)
	}
	if t.Status == domain.TxCompleted && t.ResolvedAt == nil {
		t.ResolvedAt = &t.CreatedAt
	}
	if err := p.Repo.InsertTransactionTx(ctx, tx, t); err != nil {
		return t, fmt.Errorf("post %s: %w", t.Type, err)
	}
	return t, nil
}

// Hold debits the owner's wallet for the agreed budget, pending gateway
// confirmation.
func (p Processor) Hold(ctx context.Context, tx *sql.Tx, userID, projectID string, amount int64) (domain.WalletTransaction, error) {
	return p.post(ctx, tx, domain.WalletTransaction{
		UserID:    userID,
		Amount:    -amount,
		Type:      domain.TxEscrowHold,
		Status:    domain.TxPending,
		Reference: NewReference("hold"),
		ProjectID: projectID,
	})
}

// CollectFee debits the applicant's wallet for the application fee, pending
// gateway confirmation.
func (p Processor) CollectFee(ctx context.Context, tx *sql.Tx, userID, projectID string, amount int64) (domain.WalletTransaction, error) {
	return p.post(ctx, tx, domain.WalletTransaction{
		UserID:    userID,
		Amount:    -amount,
		Type:      domain.TxApplicationFee,
		Status:    domain.TxPending,
		Reference: NewReference("fee"),
		ProjectID: projectID,
	})
}

// Release credits the worker with the escrowed budget net of the platform
// cut. Releases are internal moves, completed immediately.
func (p Processor) Release(ctx context.Context, tx *sql.Tx, userID, projectID string, amount int64) (domain.WalletTransaction, error) {
	return p.post(ctx, tx, domain.WalletTransaction{
		UserID:    userID,
		Amount:    amount,
		Type:      domain.TxEscrowRelease,
		Status:    domain.TxCompleted,
		Reference: NewReference("rel"),
		ProjectID: projectID,
	})
}

// Refund posts the corrective reversal for a completed debit. At most one
// refund per original reference; a second call is a no-op.
func (p Processor) Refund(ctx context.Context, tx *sql.Tx, original domain.WalletTransaction) (domain.WalletTransaction, bool, error) {
	done, err := p.Repo.HasRefundForReference(ctx, tx, original.Reference)
	if err != nil {
		return domain.WalletTransaction{}, false, err
	}
	if done {
		return domain.WalletTransaction{}, false, nil
	}
	amount := original.Amount
	if amount < 0 {
		amount = -amount
	}
	t, err := p.post(ctx, tx, domain.WalletTransaction{
		UserID:    original.UserID,
		Amount:    amount,
		Type:      domain.TxRefund,
		Status:    domain.TxCompleted,
		Reference: NewReference("rfd"),
		ProjectID: original.ProjectID,
		Note:      repo.RefundNote(original.Reference),
	})
	return t, err == nil, err
}

// Deposit credits a wallet top-up, pending gateway confirmation.
func (p Processor) Deposit(ctx context.Context, tx *sql.Tx, userID string, amount int64) (domain.WalletTransaction, error) {
	return p.post(ctx, tx, domain.WalletTransaction{
		UserID:    userID,
		Amount:    amount,
		Type:      domain.TxDeposit,
		Status:    domain.TxPending,
		Reference: NewReference("dep"),
	})
}

// Withdrawal debits a wallet payout, pending gateway confirmation.
func (p Processor) Withdrawal(ctx context.Context, tx *sql.Tx, userID string, amount int64) (domain.WalletTransaction, error) {
	return p.post(ctx, tx, domain.WalletTransaction{
		UserID:    userID,
		Amount:    -amount,
		Type:      domain.TxWithdrawal,
		Status:    domain.TxPending,
		Reference: NewReference("wd"),
	})
}

// Resolve applies a gateway callback. Unknown references and replays of
// already-resolved references are accepted without touching the ledger, so
// the callback endpoint can always answer 200.
func (p Processor) Resolve(ctx context.Context, reference, status string) (domain.WalletTransaction, bool, error) {
	if status != domain.TxCompleted && status != domain.TxFailed {
		return domain.WalletTransaction{}, false, fmt.Errorf("callback status must be completed or failed, got %q", status)
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WalletTransaction{}, false, err
	}
	defer tx.Rollback()

	t, err := p.Repo.GetTransactionByReferenceTx(ctx, tx, reference)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WalletTransaction{}, false, nil
		}
		return domain.WalletTransaction{}, false, err
	}
	now := p.now().UTC().Format(time.RFC3339)
	applied, err := p.Repo.ResolveTransaction(ctx, tx, reference, status, now)
	if err != nil {
		return t, false, err
	}
	if !applied {
		return t, false, nil
	}
	t.Status = status
	t.ResolvedAt = &now
	if err := p.Events.Append(ctx, tx, "payment.resolved", t.ProjectID, "transaction", t.ID, "gateway", events.EventPayload{
		"reference": reference,
		"type":      t.Type,
		"status":    status,
		"amount":    t.Amount,
	}); err != nil {
		return t, false, err
	}
	payload, _ := json.Marshal(map[string]any{"reference": reference, "type": t.Type, "status": status, "amount": t.Amount})
	n := domain.Notification{
		ID:          uuid.NewString(),
		RecipientID: t.UserID,
		Type:        "payment." + status,
		PayloadJSON: string(payload),
		CreatedAt:   now,
	}
	if err := p.Repo.InsertNotificationTx(ctx, tx, n); err != nil {
		return t, false, err
	}
	if err := tx.Commit(); err != nil {
		return t, false, err
	}
	return t, true, nil
}

// NotifyGateway tells the live gateway about a new pending row. Best effort;
// in simulated mode it does nothing. Callers invoke it after commit so a slow
// gateway never holds a database transaction open.
func (p Processor) NotifyGateway(ctx context.Context, t domain.WalletTransaction) error {
	if p.Config == nil || p.Config.Gateway.Mode != config.GatewayLive {
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"reference": t.Reference,
		"type":      t.Type,
		"amount":    t.Amount,
		"user_id":   t.UserID,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Config.Gateway.BaseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return GatewayTimeoutError{Reference: t.Reference}
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway answered %d for reference %s", resp.StatusCode, t.Reference)
	}
	return nil
}

// Reconcile fails pending rows older than the gateway timeout. Failed holds
// and fees become refundable; failed deposits simply never count toward the
// balance.
func (p Processor) Reconcile(ctx context.Context) (int, error) {
	cutoff := p.now().UTC().Add(-p.Config.GatewayTimeout()).Format(time.RFC3339)
	stale, err := p.Repo.StalePendingTransactions(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, t := range stale {
		_, applied, err := p.Resolve(ctx, t.Reference, domain.TxFailed)
		if err != nil {
			return failed, err
		}
		if applied {
			failed++
		}
	}
	return failed, nil
}

// RunReconciler sweeps on an interval until ctx is cancelled.
func (p Processor) RunReconciler(ctx context.Context, logf func(format string, args ...any)) {
	ticker := time.NewTicker(p.Config.ReconcileInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Reconcile(ctx)
			if err != nil && logf != nil {
				logf("reconcile: %v", err)
				continue
			}
			if n > 0 && logf != nil {
				logf("reconcile: expired %d pending transactions", n)
			}
		}
	}
}
