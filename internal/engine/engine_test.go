package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sambi/internal/config"
	"sambi/internal/db"
	"sambi/internal/domain"
	"sambi/internal/engine"
	"sambi/internal/migrate"
	"sambi/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	eng := engine.New(conn, cfg)
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) createUser(t *testing.T, id, role string) domain.User {
	t.Helper()
	u, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{
		ID:    id,
		Name:  id,
		Email: id + "@example.com",
		Role:  role,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
	return u
}

// fund deposits and immediately confirms through the gateway callback path.
func (env testEnv) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	tx, err := env.Engine.Deposit(env.Ctx, userID, amount)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if tx.Status != domain.TxPending {
		t.Fatalf("deposit should start pending, got %s", tx.Status)
	}
	if _, applied, err := env.Engine.Escrow.Resolve(env.Ctx, tx.Reference, domain.TxCompleted); err != nil || !applied {
		t.Fatalf("resolve deposit: applied=%v err=%v", applied, err)
	}
}

func (env testEnv) openProject(t *testing.T, ownerID string, budgetMax int64) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		OwnerID:   ownerID,
		Title:     "Build a landing page",
		BudgetMin: 1,
		BudgetMax: budgetMax,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (env testEnv) submit(t *testing.T, projectID, applicantID string, budget int64) domain.Application {
	t.Helper()
	a, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		ProjectID:   projectID,
		ApplicantID: applicantID,
		Proposal:    "I can do this",
		Budget:      budget,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return a
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Fees.ApplicationFee = 0
		c.Fees.PlatformPercent = 10
	})
	client := env.createUser(t, "client-1", domain.RoleClient)
	worker := env.createUser(t, "student-1", domain.RoleStudent)
	env.fund(t, client.ID, 10_000)

	p := env.openProject(t, client.ID, 5_000)
	a := env.submit(t, p.ID, worker.ID, 5_000)
	if a.Status != domain.ApplicationPending {
		t.Fatalf("expected pending, got %s", a.Status)
	}

	accepted, err := env.Engine.Accept(env.Ctx, p.ID, a.ID, client.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != domain.ApplicationAccepted {
		t.Fatalf("expected accepted, got %s", accepted.Status)
	}
	p2, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil || p2.Status != domain.ProjectInProgress {
		t.Fatalf("expected in_progress, got %s (%v)", p2.Status, err)
	}

	// hold is pending until the gateway confirms
	holds, err := env.Engine.Repo.ListTransactions(env.Ctx, repo.TransactionFilters{UserID: client.ID, Type: domain.TxEscrowHold})
	if err != nil || len(holds) != 1 {
		t.Fatalf("expected one hold, got %d (%v)", len(holds), err)
	}
	if _, applied, err := env.Engine.Escrow.Resolve(env.Ctx, holds[0].Reference, domain.TxCompleted); err != nil || !applied {
		t.Fatalf("resolve hold: applied=%v err=%v", applied, err)
	}

	done, err := env.Engine.ApproveDeliverable(env.Ctx, engine.ApproveOptions{
		ProjectID: p.ID,
		ActorID:   client.ID,
		Rating:    5,
		Review:    "great work",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if done.Status != domain.ProjectCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	// 10% platform cut withheld from the release
	workerBalance, err := env.Engine.Repo.Balance(env.Ctx, worker.ID)
	if err != nil {
		t.Fatalf("worker balance: %v", err)
	}
	if workerBalance != 4_500 {
		t.Fatalf("expected worker balance 4500, got %d", workerBalance)
	}
	clientBalance, err := env.Engine.Repo.Balance(env.Ctx, client.ID)
	if err != nil {
		t.Fatalf("client balance: %v", err)
	}
	if clientBalance != 5_000 {
		t.Fatalf("expected client balance 5000, got %d", clientBalance)
	}
}

func TestAcceptRequiresFunds(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.createUser(t, "client-1", domain.RoleClient)
	worker := env.createUser(t, "student-1", domain.RoleStudent)
	env.fund(t, client.ID, 100)

	p := env.openProject(t, client.ID, 5_000)
	a := env.submit(t, p.ID, worker.ID, 5_000)

	_, err := env.Engine.Accept(env.Ctx, p.ID, a.ID, client.ID)
	var ife engine.InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	// nothing moved
	p2, _ := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if p2.Status != domain.ProjectOpen {
		t.Fatalf("project should stay open, got %s", p2.Status)
	}
	a2, _ := env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	if a2.Status != domain.ApplicationPending {
		t.Fatalf("application should stay pending, got %s", a2.Status)
	}
}

func TestSingleAcceptedProposal(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.createUser(t, "client-1", domain.RoleClient)
	w1 := env.createUser(t, "student-1", domain.RoleStudent)
	w2 := env.createUser(t, "student-2", domain.RoleStudent)
	env.fund(t, client.ID, 20_000)

	p := env.openProject(t, client.ID, 5_000)
	a1 := env.submit(t, p.ID, w1.ID, 4_000)
	a2 := env.submit(t, p.ID, w2.ID, 4_500)

	if _, err := env.Engine.Accept(env.Ctx, p.ID, a1.ID, client.ID); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	// sibling was auto-rejected when the first accept won
	got, _ := env.Engine.Repo.GetApplication(env.Ctx, a2.ID)
	if got.Status != domain.ApplicationRejected {
		t.Fatalf("expected sibling rejected, got %s", got.Status)
	}
	// accepting again must fail and change nothing
	_, err := env.Engine.Accept(env.Ctx, p.ID, a2.ID, client.ID)
	if err == nil {
		t.Fatalf("expected second accept to fail")
	}
	holds, _ := env.Engine.Repo.ListTransactions(env.Ctx, repo.TransactionFilters{UserID: client.ID, Type: domain.TxEscrowHold})
	if len(holds) != 1 {
		t.Fatalf("expected exactly one hold, got %d", len(holds))
	}
}

func TestConcurrentAcceptOneWinner(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.createUser(t, "client-1", domain.RoleClient)
	w1 := env.createUser(t, "student-1", domain.RoleStudent)
	w2 := env.createUser(t, "student-2", domain.RoleStudent)
	env.fund(t, client.ID, 50_000)

	p := env.openProject(t, client.ID, 5_000)
	a1 := env.submit(t, p.ID, w1.ID, 4_000)
	a2 := env.submit(t, p.ID, w2.ID, 4_000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{a1.ID, a2.ID} {
		wg.Add(1)
		go func(i int, appID string) {
			defer wg.Done()
			_, errs[i] = env.Engine.Accept(env.Ctx, p.ID, appID, client.ID)
		}(i, id)
	}
	wg.Wait()

	var won int
	for _, err := range errs {
		if err == nil {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one accept to win, got %d (errs=%v)", won, errs)
	}
	holds, _ := env.Engine.Repo.ListTransactions(env.Ctx, repo.TransactionFilters{UserID: client.ID, Type: domain.TxEscrowHold})
	if len(holds) != 1 {
		t.Fatalf("expected one hold after race, got %d", len(holds))
	}
	statuses := map[string]int{}
	for _, id := range []string{a1.ID, a2.ID} {
		a, _ := env.Engine.Repo.GetApplication(env.Ctx, id)
		statuses[a.Status]++
	}
	if statuses[domain.ApplicationAccepted] != 1 || statuses[domain.ApplicationRejected] != 1 {
		t.Fatalf("expected one accepted and one rejected, got %v", statuses)
	}
}

func TestApplicationFeeRefundOnReject(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Fees.ApplicationFee = 500
	})
	client := env.createUser(t, "client-1", domain.RoleClient)
	worker := env.createUser(t, "student-1", domain.RoleStudent)
	env.fund(t, worker.ID, 2_000)

	p := env.openProject(t, client.ID, 5_000)
	a := env.submit(t, p.ID, worker.ID, 4_000)
	if a.FeeReference == "" {
		t.Fatalf("expected fee reference on application")
	}
	if _, applied, err := env.Engine.Escrow.Resolve(env.Ctx, a.FeeReference, domain.TxCompleted); err != nil || !applied {
		t.Fatalf("resolve fee: applied=%v err=%v", applied, err)
	}

	if _, err := env.Engine.Reject(env.Ctx, p.ID, a.ID, client.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	refunds, _ := env.Engine.Repo.ListTransactions(env.Ctx, repo.TransactionFilters{UserID: worker.ID, Type: domain.TxRefund})
	if len(refunds) != 1 {
		t.Fatalf("expected exactly one refund, got %d", len(refunds))
	}
	balance, _ := env.Engine.Repo.Balance(env.Ctx, worker.ID)
	if balance != 2_000 {
		t.Fatalf("expected worker made whole, got %d", balance)
	}
	// a second reject must not produce a second refund
	if _, err := env.Engine.Reject(env.Ctx, p.ID, a.ID, client.ID); err == nil {
		t.Fatalf("expected reject of non-pending application to fail")
	}
	refunds, _ = env.Engine.Repo.ListTransactions(env.Ctx, repo.TransactionFilters{UserID: worker.ID, Type: domain.TxRefund})
	if len(refunds) != 1 {
		t.Fatalf("refund duplicated: got %d", len(refunds))
	}
}

func TestAcceptBlockedUntilFeePaid(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Fees.ApplicationFee = 500
	})
	client := env.createUser(t, "client-1", domain.RoleClient)
	worker := env.createUser(t, "student-1", domain.RoleStudent)
	env.fund(t, client.ID, 10_000)
	env.fund(t, worker.ID, 2_000)

	p := env.openProject(t, client.ID, 5_000)
	a := env.submit(t, p.ID, worker.ID, 4_000)

	if _, err := env.Engine.Accept(env.Ctx, p.ID, a.ID, client.ID); err == nil {
		t.Fatalf("expected accept to fail while the fee is pending")
	}
	if _, applied, err := env.Engine.Escrow.Resolve(env.Ctx, a.FeeReference, domain.TxCompleted); err != nil || !applied {
		t.Fatalf("resolve fee: applied=%v err=%v", applied, err)
	}
	if _, err := env.Engine.Accept(env.Ctx, p.ID, a.ID, client.ID); err != nil {
		t.Fatalf("accept after fee cleared: %v", err)
	}
}

func TestWithdrawRefundsFee(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Fees.ApplicationFee = 300
	})
	client := env.createUser(t, "client-1", domain.RoleClient)
	worker := env.createUser(t, "student-1", domain.RoleStudent)
	env.fund(t, worker.ID, 1_000)

	p := env.openProject(t, client.ID, 5_000)
	a := env.submit(t, p.ID, worker.ID, 4_000)
	if _, applied, err := env.Engine.Escrow.Resolve(env.Ctx, a.FeeReference, domain.TxCompleted); err != nil || !applied {
		t.Fatalf("resolve fee: applied=%v err=%v", applied, err)
	}

	w, err := env.Engine.Withdraw(env.Ctx, p.ID, a.ID, worker.ID)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if w.Status != domain.ApplicationWithdrawn {
		t.Fatalf("expected withdrawn, got %s", w.Status)
	}
	balance, _ := env.Engine.Repo.Balance(env.Ctx, worker.ID)
	if balance != 1_000 {
		t.Fatalf("expected fee refunded, balance %d", balance)
	}
}

func TestDuplicateActiveApplication(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.createUser(t, "client-1", domain.RoleClient)
	worker := env.createUser(t, "student-1", domain.RoleStudent)

	p := env.openProject(t, client.ID, 5_000)
	env.submit(t, p.ID, worker.ID, 4_000)

	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		ProjectID:   p.ID,
		ApplicantID: worker.ID,
		Proposal:    "again",
		Budget:      3_000,
	})
	var de engine.DuplicateApplicationError
	if !errors.As(err, &de) {
		t.Fatalf("expected DuplicateApplicationError, got %v", err)
	}
}

func TestRoleGating(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.createUser(t, "client-1", domain.RoleClient)
	worker := env.createUser(t, "student-1", domain.RoleStudent)

	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		OwnerID: worker.ID,
		Title:   "nope",
	}); err == nil {
		t.Fatalf("students must not post projects")
	}

	p := env.openProject(t, client.ID, 5_000)
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		ProjectID:   p.ID,
		ApplicantID: client.ID,
		Proposal:    "nope",
		Budget:      1_000,
	}); err == nil {
		t.Fatalf("clients must not submit proposals")
	}
}

func TestBudgetOutOfRange(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.createUser(t, "client-1", domain.RoleClient)
	worker := env.createUser(t, "student-1", domain.RoleStudent)

	p := env.openProject(t, client.ID, 5_000)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		ProjectID:   p.ID,
		ApplicantID: worker.ID,
		Proposal:    "too expensive",
		Budget:      9_000,
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCloseRejectsPendingProposals(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Fees.ApplicationFee = 200
	})
	client := env.createUser(t, "client-1", domain.RoleClient)
	worker := env.createUser(t, "student-1", domain.RoleStudent)
	env.fund(t, worker.ID, 500)

	p := env.openProject(t, client.ID, 5_000)
	a := env.submit(t, p.ID, worker.ID, 4_000)
	if _, applied, err := env.Engine.Escrow.Resolve(env.Ctx, a.FeeReference, domain.TxCompleted); err != nil || !applied {
		t.Fatalf("resolve fee: %v", err)
	}

	closed, err := env.Engine.CloseProject(env.Ctx, p.ID, client.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != domain.ProjectClosed {
		t.Fatalf("expected closed, got %s", closed.Status)
	}
	got, _ := env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	if got.Status != domain.ApplicationRejected {
		t.Fatalf("expected pending proposal rejected, got %s", got.Status)
	}
	balance, _ := env.Engine.Repo.Balance(env.Ctx, worker.ID)
	if balance != 500 {
		t.Fatalf("expected fee refunded on close, balance %d", balance)
	}
}

func TestCallbackReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.createUser(t, "client-1", domain.RoleClient)

	tx, err := env.Engine.Deposit(env.Ctx, user.ID, 1_000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, applied, err := env.Engine.Escrow.Resolve(env.Ctx, tx.Reference, domain.TxCompleted)
	if err != nil || !applied {
		t.Fatalf("first resolve: applied=%v err=%v", applied, err)
	}
	// replay with a different outcome must be ignored
	_, applied, err = env.Engine.Escrow.Resolve(env.Ctx, tx.Reference, domain.TxFailed)
	if err != nil {
		t.Fatalf("replay resolve: %v", err)
	}
	if applied {
		t.Fatalf("replay must not re-apply")
	}
	got, _ := env.Engine.Repo.GetTransactionByReference(env.Ctx, tx.Reference)
	if got.Status != domain.TxCompleted {
		t.Fatalf("replay flipped status to %s", got.Status)
	}
	// unknown references are acknowledged without effect
	_, applied, err = env.Engine.Escrow.Resolve(env.Ctx, "no-such-ref", domain.TxCompleted)
	if err != nil || applied {
		t.Fatalf("unknown reference: applied=%v err=%v", applied, err)
	}
}

func TestReconcilerFailsStalePending(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Gateway.TimeoutSeconds = 1
	})
	user := env.createUser(t, "client-1", domain.RoleClient)
	tx, err := env.Engine.Deposit(env.Ctx, user.ID, 1_000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	env.Engine.Escrow.Now = func() time.Time { return time.Now().Add(5 * time.Second) }
	n, err := env.Engine.Escrow.Reconcile(env.Ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expired transaction, got %d", n)
	}
	got, _ := env.Engine.Repo.GetTransactionByReference(env.Ctx, tx.Reference)
	if got.Status != domain.TxFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	// a late callback after expiry is ignored
	_, applied, err := env.Engine.Escrow.Resolve(env.Ctx, tx.Reference, domain.TxCompleted)
	if err != nil || applied {
		t.Fatalf("late callback: applied=%v err=%v", applied, err)
	}
}

func TestApproveRejectsExpiredHold(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Gateway.TimeoutSeconds = 1
		c.Fees.PlatformPercent = 10
	})
	client := env.createUser(t, "client-1", domain.RoleClient)
	worker := env.createUser(t, "student-1", domain.RoleStudent)
	env.fund(t, client.ID, 10_000)

	p := env.openProject(t, client.ID, 5_000)
	a := env.submit(t, p.ID, worker.ID, 5_000)
	if _, err := env.Engine.Accept(env.Ctx, p.ID, a.ID, client.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	env.Engine.Escrow.Now = func() time.Time { return time.Now().Add(5 * time.Second) }
	if n, err := env.Engine.Escrow.Reconcile(env.Ctx); err != nil || n != 1 {
		t.Fatalf("reconcile: n=%d err=%v", n, err)
	}

	// The hold failed, so the owner was never debited and nothing may be
	// released to the worker.
	_, err := env.Engine.ApproveDeliverable(env.Ctx, engine.ApproveOptions{ProjectID: p.ID, ActorID: client.ID, Rating: 5})
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected invalid state for a failed hold, got %v", err)
	}
	workerBalance, _ := env.Engine.Repo.Balance(env.Ctx, worker.ID)
	if workerBalance != 0 {
		t.Fatalf("no release should be posted, worker balance %d", workerBalance)
	}
	clientBalance, _ := env.Engine.Repo.Balance(env.Ctx, client.ID)
	if clientBalance != 10_000 {
		t.Fatalf("owner balance should be untouched, got %d", clientBalance)
	}
	got, _ := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if got.Status != domain.ProjectInProgress {
		t.Fatalf("project should stay in_progress, got %s", got.Status)
	}
}

func TestWithdrawRequiresMatchingProject(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.createUser(t, "client-1", domain.RoleClient)
	worker := env.createUser(t, "student-1", domain.RoleStudent)

	p := env.openProject(t, client.ID, 5_000)
	other := env.openProject(t, client.ID, 5_000)
	a := env.submit(t, p.ID, worker.ID, 4_000)

	_, err := env.Engine.Withdraw(env.Ctx, other.ID, a.ID, worker.ID)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for mismatched project, got %v", err)
	}
	got, _ := env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	if got.Status != domain.ApplicationPending {
		t.Fatalf("mismatched project must not mutate the application, got %s", got.Status)
	}
	if _, err := env.Engine.Withdraw(env.Ctx, p.ID, a.ID, worker.ID); err != nil {
		t.Fatalf("withdraw under the right project: %v", err)
	}
}

func TestDepositSurvivesGatewayOutage(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Gateway.Mode = config.GatewayLive
		c.Gateway.BaseURL = "http://127.0.0.1:1"
	})
	user := env.createUser(t, "client-1", domain.RoleClient)

	// The gateway notification runs after commit; a down gateway leaves the
	// row pending for the reconciler instead of failing the deposit.
	tx, err := env.Engine.Deposit(env.Ctx, user.ID, 1_000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	got, _ := env.Engine.Repo.GetTransactionByReference(env.Ctx, tx.Reference)
	if got.Status != domain.TxPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
}

func TestBalanceIsSumOfCompleted(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.createUser(t, "client-1", domain.RoleClient)
	env.fund(t, user.ID, 3_000)

	// pending rows do not count toward balance
	if _, err := env.Engine.Deposit(env.Ctx, user.ID, 9_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	balance, err := env.Engine.Repo.Balance(env.Ctx, user.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 3_000 {
		t.Fatalf("expected 3000, got %d", balance)
	}
	// but pending debits reduce the available figure
	w, err := env.Engine.WithdrawFunds(env.Ctx, user.ID, 1_000)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	available, err := env.Engine.Repo.AvailableBalance(env.Ctx, user.ID)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available != 2_000 {
		t.Fatalf("expected available 2000, got %d", available)
	}
	// failed withdrawal restores availability
	if _, applied, err := env.Engine.Escrow.Resolve(env.Ctx, w.Reference, domain.TxFailed); err != nil || !applied {
		t.Fatalf("fail withdrawal: %v", err)
	}
	available, _ = env.Engine.Repo.AvailableBalance(env.Ctx, user.ID)
	if available != 3_000 {
		t.Fatalf("expected available restored to 3000, got %d", available)
	}
}

func TestRevisionKeepsProjectInProgress(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.createUser(t, "client-1", domain.RoleClient)
	worker := env.createUser(t, "student-1", domain.RoleStudent)
	env.fund(t, client.ID, 10_000)

	p := env.openProject(t, client.ID, 5_000)
	a := env.submit(t, p.ID, worker.ID, 4_000)
	if _, err := env.Engine.Accept(env.Ctx, p.ID, a.ID, client.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := env.Engine.RequestRevision(env.Ctx, p.ID, client.ID, "needs polish"); err != nil {
		t.Fatalf("revision: %v", err)
	}
	p2, _ := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if p2.Status != domain.ProjectInProgress {
		t.Fatalf("revision must not change status, got %s", p2.Status)
	}
	items, _ := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{RecipientID: worker.ID})
	found := false
	for _, n := range items {
		if n.Type == "project.revision_requested" {
			found = true
		}
	}
	if !found {
		t.Fatalf("worker should be notified about the revision")
	}
}

func TestOwnershipChecks(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.createUser(t, "client-1", domain.RoleClient)
	other := env.createUser(t, "client-2", domain.RoleClient)
	worker := env.createUser(t, "student-1", domain.RoleStudent)

	p := env.openProject(t, client.ID, 5_000)
	a := env.submit(t, p.ID, worker.ID, 4_000)

	if _, err := env.Engine.Accept(env.Ctx, p.ID, a.ID, other.ID); err == nil {
		t.Fatalf("only the owner may accept")
	}
	if _, err := env.Engine.Withdraw(env.Ctx, p.ID, a.ID, client.ID); err == nil {
		t.Fatalf("only the applicant may withdraw")
	}
	if _, err := env.Engine.CloseProject(env.Ctx, p.ID, worker.ID); err == nil {
		t.Fatalf("only the owner may close")
	}
}
