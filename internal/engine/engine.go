package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"sambi/internal/config"
	"sambi/internal/domain"
	"sambi/internal/engine/auth"
	"sambi/internal/escrow"
	"sambi/internal/events"
	"sambi/internal/repo"
)

// Engine applies lifecycle transitions. Every operation mutates projects,
// applications and the ledger inside one immediate transaction, so concurrent
// callers serialize at BEGIN and either see the whole transition or none of it.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Escrow escrow.Processor
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Escrow: escrow.New(db, cfg),
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// notifyGateway runs after commit. A slow or down gateway must not undo the
// committed transition; the reconciler sweeps rows the gateway never answers.
func (e Engine) notifyGateway(ctx context.Context, t domain.WalletTransaction) {
	if t.Reference == "" {
		return
	}
	if err := e.Escrow.NotifyGateway(ctx, t); err != nil {
		log.Printf("gateway notify %s: %v", t.Reference, err)
	}
}

// retry runs fn again once when sqlite reports a transient lock failure.
func (e Engine) retry(fn func() error) error {
	err := fn()
	if isBusy(err) {
		return fn()
	}
	return err
}

func (e Engine) notify(ctx context.Context, tx *sql.Tx, recipientID, kind string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return e.Repo.InsertNotificationTx(ctx, tx, domain.Notification{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Type:        kind,
		PayloadJSON: string(data),
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	})
}

// UserCreateOptions are parameters for registering a user.
type UserCreateOptions struct {
	ID    string
	Name  string
	Email string
	Role  string
	Bio   string
}

func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	if opts.Name == "" {
		return domain.User{}, ValidationError{Field: "name", Reason: "required"}
	}
	if opts.Email == "" {
		return domain.User{}, ValidationError{Field: "email", Reason: "required"}
	}
	if opts.Role != domain.RoleClient && opts.Role != domain.RoleStudent {
		return domain.User{}, ValidationError{Field: "role", Reason: "must be client or student"}
	}
	u := domain.User{
		ID:        opts.ID,
		Name:      opts.Name,
		Email:     strings.ToLower(opts.Email),
		Role:      opts.Role,
		Bio:       opts.Bio,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// ProjectCreateOptions are parameters for posting a project.
type ProjectCreateOptions struct {
	ID          string
	OwnerID     string
	Title       string
	Description string
	Category    string
	BudgetMin   int64
	BudgetMax   int64
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Title == "" {
		return domain.Project{}, ValidationError{Field: "title", Reason: "required"}
	}
	if opts.OwnerID == "" {
		return domain.Project{}, ValidationError{Field: "owner_id", Reason: "required"}
	}
	if opts.BudgetMin < 0 || opts.BudgetMax < 0 {
		return domain.Project{}, ValidationError{Field: "budget", Reason: "must not be negative"}
	}
	if opts.BudgetMax > 0 && opts.BudgetMin > opts.BudgetMax {
		return domain.Project{}, ValidationError{Field: "budget", Reason: "budget_min exceeds budget_max"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:          opts.ID,
		OwnerID:     opts.OwnerID,
		Title:       opts.Title,
		Description: opts.Description,
		Category:    opts.Category,
		BudgetMin:   opts.BudgetMin,
		BudgetMax:   opts.BudgetMax,
		Status:      domain.ProjectOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	err := e.retry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := e.Auth.RequireRole(ctx, tx, opts.OwnerID, domain.RoleClient, "post projects"); err != nil {
			return err
		}
		if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, opts.OwnerID, events.EventPayload{"title": p.Title, "status": p.Status}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// SubmitOptions are parameters for applying to a project.
type SubmitOptions struct {
	ProjectID     string
	ApplicantID   string
	Proposal      string
	EstimatedTime string
	Budget        int64
}

// Submit creates a pending application. When an application fee is
// configured a pending fee transaction is posted alongside it; the
// application stays eligible for acceptance only once that fee resolves.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Application, error) {
	if opts.Proposal == "" {
		return domain.Application{}, ValidationError{Field: "proposal", Reason: "required"}
	}
	if opts.Budget <= 0 {
		return domain.Application{}, ValidationError{Field: "budget", Reason: "must be positive"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	a := domain.Application{
		ID:            uuid.NewString(),
		ProjectID:     opts.ProjectID,
		ApplicantID:   opts.ApplicantID,
		Proposal:      opts.Proposal,
		EstimatedTime: opts.EstimatedTime,
		Budget:        opts.Budget,
		Status:        domain.ApplicationPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	var feeTx domain.WalletTransaction
	err := e.retry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := e.Auth.RequireRole(ctx, tx, opts.ApplicantID, domain.RoleStudent, "apply to projects"); err != nil {
			return err
		}
		p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
		if err != nil {
			return err
		}
		if p.Status != domain.ProjectOpen {
			return InvalidStateError{Entity: "project", ID: p.ID, Status: p.Status, Op: "accept applications"}
		}
		if p.BudgetMax > 0 && (opts.Budget < p.BudgetMin || opts.Budget > p.BudgetMax) {
			return ValidationError{Field: "budget", Reason: fmt.Sprintf("must be between %d and %d", p.BudgetMin, p.BudgetMax)}
		}
		if _, err := e.Repo.ActiveApplication(ctx, tx, opts.ProjectID, opts.ApplicantID); err == nil {
			return DuplicateApplicationError{ProjectID: opts.ProjectID, ApplicantID: opts.ApplicantID}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if fee := e.Config.Fees.ApplicationFee; fee > 0 {
			feeTx, err = e.Escrow.CollectFee(ctx, tx, opts.ApplicantID, opts.ProjectID, fee)
			if err != nil {
				return err
			}
			a.FeeReference = feeTx.Reference
		}
		if err := e.Repo.InsertApplicationTx(ctx, tx, a); err != nil {
			return fmt.Errorf("insert application: %w", err)
		}
		if err := e.notify(ctx, tx, p.OwnerID, "proposal.submitted", map[string]any{
			"project_id":     p.ID,
			"application_id": a.ID,
			"applicant_id":   a.ApplicantID,
			"budget":         a.Budget,
		}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "proposal.submitted", p.ID, "application", a.ID, opts.ApplicantID, events.EventPayload{"budget": a.Budget, "fee_reference": a.FeeReference}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return domain.Application{}, err
	}
	e.notifyGateway(ctx, feeTx)
	return a, nil
}

// Accept marks the application accepted, rejects its pending siblings, moves
// the project to in_progress and posts the escrow hold, in one transaction.
// First writer wins: the guarded project update fails for the loser of a
// race, which surfaces as InvalidState.
func (e Engine) Accept(ctx context.Context, projectID, applicationID, actorID string) (domain.Application, error) {
	var a domain.Application
	var holdTx domain.WalletTransaction
	err := e.retry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if err := e.Auth.RequireOwner(p, actorID, "accept proposals"); err != nil {
			return err
		}
		if p.Status != domain.ProjectOpen {
			return InvalidStateError{Entity: "project", ID: p.ID, Status: p.Status, Op: "accept a proposal"}
		}
		a, err = e.Repo.GetApplicationTx(ctx, tx, applicationID)
		if err != nil {
			return err
		}
		if a.ProjectID != projectID {
			return repo.ErrNotFound
		}
		if a.Status != domain.ApplicationPending {
			return InvalidStateError{Entity: "application", ID: a.ID, Status: a.Status, Op: "accept"}
		}
		if a.FeeReference != "" {
			fee, err := e.Repo.GetTransactionByReferenceTx(ctx, tx, a.FeeReference)
			if err != nil {
				return err
			}
			if fee.Status != domain.TxCompleted {
				return InvalidStateError{Entity: "application fee", ID: fee.Reference, Status: fee.Status, Op: "accept the proposal"}
			}
		}
		available, err := e.Repo.AvailableBalanceTx(ctx, tx, p.OwnerID)
		if err != nil {
			return err
		}
		if available < a.Budget {
			return InsufficientFundsError{UserID: p.OwnerID, Required: a.Budget, Available: available}
		}
		now := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.TransitionProject(ctx, tx, p.ID, domain.ProjectInProgress, now, domain.ProjectOpen); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return InvalidStateError{Entity: "project", ID: p.ID, Status: domain.ProjectInProgress, Op: "accept a proposal"}
			}
			return err
		}
		if err := e.Repo.TransitionApplication(ctx, tx, a.ID, domain.ApplicationPending, domain.ApplicationAccepted, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return InvalidStateError{Entity: "application", ID: a.ID, Status: a.Status, Op: "accept"}
			}
			return err
		}
		rejected, err := e.Repo.RejectSiblingApplications(ctx, tx, p.ID, a.ID, now)
		if err != nil {
			return err
		}
		holdTx, err = e.Escrow.Hold(ctx, tx, p.OwnerID, p.ID, a.Budget)
		if err != nil {
			return err
		}
		if err := e.notify(ctx, tx, a.ApplicantID, "proposal.accepted", map[string]any{
			"project_id":     p.ID,
			"application_id": a.ID,
		}); err != nil {
			return err
		}
		for _, applicant := range rejected {
			if err := e.notify(ctx, tx, applicant, "proposal.rejected", map[string]any{"project_id": p.ID}); err != nil {
				return err
			}
		}
		if err := e.Events.Append(ctx, tx, "proposal.accepted", p.ID, "application", a.ID, actorID, events.EventPayload{
			"hold_reference": holdTx.Reference,
			"budget":         a.Budget,
			"rejected":       len(rejected),
		}); err != nil {
			return err
		}
		a.Status = domain.ApplicationAccepted
		a.UpdatedAt = now
		return tx.Commit()
	})
	if err != nil {
		return domain.Application{}, err
	}
	e.notifyGateway(ctx, holdTx)
	return a, nil
}

// Reject marks a pending application rejected and refunds its fee if one was
// collected.
func (e Engine) Reject(ctx context.Context, projectID, applicationID, actorID string) (domain.Application, error) {
	var a domain.Application
	err := e.retry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if err := e.Auth.RequireOwner(p, actorID, "reject proposals"); err != nil {
			return err
		}
		a, err = e.Repo.GetApplicationTx(ctx, tx, applicationID)
		if err != nil {
			return err
		}
		if a.ProjectID != projectID {
			return repo.ErrNotFound
		}
		if a.Status != domain.ApplicationPending {
			return InvalidStateError{Entity: "application", ID: a.ID, Status: a.Status, Op: "reject"}
		}
		now := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.TransitionApplication(ctx, tx, a.ID, domain.ApplicationPending, domain.ApplicationRejected, now); err != nil {
			return err
		}
		if err := e.refundFee(ctx, tx, a); err != nil {
			return err
		}
		if err := e.notify(ctx, tx, a.ApplicantID, "proposal.rejected", map[string]any{
			"project_id":     p.ID,
			"application_id": a.ID,
		}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "proposal.rejected", p.ID, "application", a.ID, actorID, nil); err != nil {
			return err
		}
		a.Status = domain.ApplicationRejected
		a.UpdatedAt = now
		return tx.Commit()
	})
	if err != nil {
		return domain.Application{}, err
	}
	return a, nil
}

// refundFee reverses a collected application fee. Fees still pending are
// left for the reconciler; failed fees were never charged.
func (e Engine) refundFee(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	if a.FeeReference == "" {
		return nil
	}
	fee, err := e.Repo.GetTransactionByReferenceTx(ctx, tx, a.FeeReference)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if fee.Status != domain.TxCompleted {
		return nil
	}
	_, _, err = e.Escrow.Refund(ctx, tx, fee)
	return err
}

// Withdraw lets the applicant pull a pending application back.
func (e Engine) Withdraw(ctx context.Context, projectID, applicationID, actorID string) (domain.Application, error) {
	var a domain.Application
	err := e.retry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		a, err = e.Repo.GetApplicationTx(ctx, tx, applicationID)
		if err != nil {
			return err
		}
		if a.ProjectID != projectID {
			return repo.ErrNotFound
		}
		if err := e.Auth.RequireApplicant(a, actorID, "withdraw this proposal"); err != nil {
			return err
		}
		if a.Status != domain.ApplicationPending {
			return InvalidStateError{Entity: "application", ID: a.ID, Status: a.Status, Op: "withdraw"}
		}
		now := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.TransitionApplication(ctx, tx, a.ID, domain.ApplicationPending, domain.ApplicationWithdrawn, now); err != nil {
			return err
		}
		if err := e.refundFee(ctx, tx, a); err != nil {
			return err
		}
		p, err := e.Repo.GetProjectTx(ctx, tx, a.ProjectID)
		if err != nil {
			return err
		}
		if err := e.notify(ctx, tx, p.OwnerID, "proposal.withdrawn", map[string]any{
			"project_id":     p.ID,
			"application_id": a.ID,
		}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "proposal.withdrawn", a.ProjectID, "application", a.ID, actorID, nil); err != nil {
			return err
		}
		a.Status = domain.ApplicationWithdrawn
		a.UpdatedAt = now
		return tx.Commit()
	})
	if err != nil {
		return domain.Application{}, err
	}
	return a, nil
}

// RequestRevision keeps the project in_progress and tells the worker what to
// change.
func (e Engine) RequestRevision(ctx context.Context, projectID, actorID, notes string) error {
	if notes == "" {
		return ValidationError{Field: "notes", Reason: "required"}
	}
	return e.retry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if err := e.Auth.RequireOwner(p, actorID, "request revisions"); err != nil {
			return err
		}
		if p.Status != domain.ProjectInProgress {
			return InvalidStateError{Entity: "project", ID: p.ID, Status: p.Status, Op: "request a revision"}
		}
		a, err := e.Repo.AcceptedApplicationTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if err := e.notify(ctx, tx, a.ApplicantID, "project.revision_requested", map[string]any{
			"project_id": p.ID,
			"notes":      notes,
		}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "project.revision_requested", p.ID, "project", p.ID, actorID, events.EventPayload{"notes": notes}); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ApproveOptions are parameters for approving deliverables.
type ApproveOptions struct {
	ProjectID string
	ActorID   string
	Rating    int
	Review    string
}

// ApproveDeliverable completes the project, resolves the escrow hold and
// credits the worker net of the platform cut, and records the review.
func (e Engine) ApproveDeliverable(ctx context.Context, opts ApproveOptions) (domain.Project, error) {
	if opts.Rating < 1 || opts.Rating > 5 {
		return domain.Project{}, ValidationError{Field: "rating", Reason: "must be between 1 and 5"}
	}
	var p domain.Project
	err := e.retry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		p, err = e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
		if err != nil {
			return err
		}
		if err := e.Auth.RequireOwner(p, opts.ActorID, "approve deliverables"); err != nil {
			return err
		}
		if p.Status != domain.ProjectInProgress {
			return InvalidStateError{Entity: "project", ID: p.ID, Status: p.Status, Op: "approve deliverables"}
		}
		a, err := e.Repo.AcceptedApplicationTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		now := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.TransitionProject(ctx, tx, p.ID, domain.ProjectCompleted, now, domain.ProjectInProgress); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return InvalidStateError{Entity: "project", ID: p.ID, Status: p.Status, Op: "approve deliverables"}
			}
			return err
		}
		// The hold may still be awaiting its gateway callback; approval is
		// the authoritative confirmation that the funds moved. A failed hold
		// means the owner was never debited, so there is nothing to release.
		hold, err := e.findHold(ctx, tx, p.ID, p.OwnerID)
		if err != nil {
			return err
		}
		switch hold.Status {
		case domain.TxPending:
			if _, err := e.Repo.ResolveTransaction(ctx, tx, hold.Reference, domain.TxCompleted, now); err != nil {
				return err
			}
		case domain.TxCompleted:
		default:
			return InvalidStateError{Entity: "escrow hold", ID: hold.Reference, Status: hold.Status, Op: "release funds"}
		}
		net := a.Budget - a.Budget*int64(e.Config.Fees.PlatformPercent)/100
		release, err := e.Escrow.Release(ctx, tx, a.ApplicantID, p.ID, net)
		if err != nil {
			return err
		}
		if err := e.Repo.InsertReviewTx(ctx, tx, domain.Review{
			ID:         uuid.NewString(),
			ProjectID:  p.ID,
			ReviewerID: opts.ActorID,
			WorkerID:   a.ApplicantID,
			Rating:     opts.Rating,
			Review:     opts.Review,
			CreatedAt:  now,
		}); err != nil {
			return fmt.Errorf("insert review: %w", err)
		}
		if err := e.notify(ctx, tx, a.ApplicantID, "project.completed", map[string]any{
			"project_id": p.ID,
			"amount":     net,
			"rating":     opts.Rating,
		}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "project.completed", p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
			"release_reference": release.Reference,
			"net_amount":        net,
			"rating":            opts.Rating,
		}); err != nil {
			return err
		}
		p.Status = domain.ProjectCompleted
		p.UpdatedAt = now
		return tx.Commit()
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) findHold(ctx context.Context, tx *sql.Tx, projectID, ownerID string) (domain.WalletTransaction, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT reference, status FROM wallet_transactions WHERE project_id=? AND user_id=? AND type=? ORDER BY created_at DESC, id DESC LIMIT 1`,
		projectID, ownerID, domain.TxEscrowHold)
	var t domain.WalletTransaction
	err := row.Scan(&t.Reference, &t.Status)
	if err == sql.ErrNoRows {
		return t, repo.ErrNotFound
	}
	return t, err
}

// CloseProject retires an open project without picking a proposal.
func (e Engine) CloseProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.terminateProject(ctx, projectID, actorID, domain.ProjectClosed)
}

// CancelProject cancels an open project.
func (e Engine) CancelProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.terminateProject(ctx, projectID, actorID, domain.ProjectCancelled)
}

// terminateProject moves an open project to closed or cancelled, rejects its
// pending applications and refunds their fees.
func (e Engine) terminateProject(ctx context.Context, projectID, actorID, toStatus string) (domain.Project, error) {
	var p domain.Project
	err := e.retry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		p, err = e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if err := e.Auth.RequireOwner(p, actorID, toStatus+" this project"); err != nil {
			return err
		}
		if p.Status != domain.ProjectOpen {
			return InvalidStateError{Entity: "project", ID: p.ID, Status: p.Status, Op: toStatus}
		}
		now := e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.TransitionProject(ctx, tx, p.ID, toStatus, now, domain.ProjectOpen); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return InvalidStateError{Entity: "project", ID: p.ID, Status: p.Status, Op: toStatus}
			}
			return err
		}
		pending, err := e.Repo.ListApplicationsTx(ctx, tx, p.ID, domain.ApplicationPending)
		if err != nil {
			return err
		}
		for _, a := range pending {
			if err := e.Repo.TransitionApplication(ctx, tx, a.ID, domain.ApplicationPending, domain.ApplicationRejected, now); err != nil {
				return err
			}
			if err := e.refundFee(ctx, tx, a); err != nil {
				return err
			}
			if err := e.notify(ctx, tx, a.ApplicantID, "proposal.rejected", map[string]any{"project_id": p.ID}); err != nil {
				return err
			}
		}
		if err := e.Events.Append(ctx, tx, "project."+toStatus, p.ID, "project", p.ID, actorID, events.EventPayload{"rejected": len(pending)}); err != nil {
			return err
		}
		p.Status = toStatus
		p.UpdatedAt = now
		return tx.Commit()
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// Deposit posts a pending wallet top-up; the balance reflects it once the
// gateway callback resolves it.
func (e Engine) Deposit(ctx context.Context, userID string, amount int64) (domain.WalletTransaction, error) {
	if amount <= 0 {
		return domain.WalletTransaction{}, ValidationError{Field: "amount", Reason: "must be positive"}
	}
	var t domain.WalletTransaction
	err := e.retry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := e.Repo.GetUserTx(ctx, tx, userID); err != nil {
			return err
		}
		t, err = e.Escrow.Deposit(ctx, tx, userID, amount)
		if err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "wallet.deposit", "", "transaction", t.ID, userID, events.EventPayload{"reference": t.Reference, "amount": amount}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return domain.WalletTransaction{}, err
	}
	e.notifyGateway(ctx, t)
	return t, nil
}

// WithdrawFunds posts a pending payout against the available balance.
func (e Engine) WithdrawFunds(ctx context.Context, userID string, amount int64) (domain.WalletTransaction, error) {
	if amount <= 0 {
		return domain.WalletTransaction{}, ValidationError{Field: "amount", Reason: "must be positive"}
	}
	var t domain.WalletTransaction
	err := e.retry(func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := e.Repo.GetUserTx(ctx, tx, userID); err != nil {
			return err
		}
		available, err := e.Repo.AvailableBalanceTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if available < amount {
			return InsufficientFundsError{UserID: userID, Required: amount, Available: available}
		}
		t, err = e.Escrow.Withdrawal(ctx, tx, userID, amount)
		if err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "wallet.withdrawal", "", "transaction", t.ID, userID, events.EventPayload{"reference": t.Reference, "amount": amount}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return domain.WalletTransaction{}, err
	}
	e.notifyGateway(ctx, t)
	return t, nil
}

// Profile aggregates a worker's public stats.
type Profile struct {
	User              domain.User `json:"user"`
	ProjectsInFlight  int         `json:"projects_in_flight"`
	ProjectsCompleted int         `json:"projects_completed"`
	AverageRating     *float64    `json:"average_rating,omitempty"`
}

func (e Engine) UserProfile(ctx context.Context, userID string) (Profile, error) {
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	inFlight, err := e.Repo.CountAcceptedProjectsByWorker(ctx, userID, domain.ProjectInProgress)
	if err != nil {
		return Profile{}, err
	}
	completed, err := e.Repo.CountAcceptedProjectsByWorker(ctx, userID, domain.ProjectCompleted)
	if err != nil {
		return Profile{}, err
	}
	prof := Profile{User: u, ProjectsInFlight: inFlight, ProjectsCompleted: completed}
	avg, ok, err := e.Repo.AverageRating(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if ok {
		prof.AverageRating = &avg
	}
	return prof, nil
}
