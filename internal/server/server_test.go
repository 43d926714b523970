package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"sambi/internal/config"
	"sambi/internal/db"
	"sambi/internal/domain"
	"sambi/internal/engine"
	"sambi/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// registerUser creates a user through the open registration endpoint and
// returns its id plus an auth header minted by dev login.
func registerUser(t *testing.T, srv *testServer, name, role string) (string, map[string]string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/users", map[string]any{
		"name":  name,
		"email": name + "@example.com",
		"role":  role,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: %d %s", name, res.StatusCode, string(data))
	}
	var u UserResponse
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("unmarshal user: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"user_id": u.ID,
		"role":    role,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return u.ID, map[string]string{"Authorization": "Bearer " + login.Token}
}

// fund deposits and confirms through the public gateway callback.
func fund(t *testing.T, srv *testServer, auth map[string]string, amount int64) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/wallet/deposit", map[string]any{"amount": amount}, auth)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("deposit: %d %s", res.StatusCode, string(data))
	}
	var tx TransactionResponse
	_ = json.Unmarshal(data, &tx)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/payment/gateway-callback", map[string]any{
		"reference": tx.Reference,
		"status":    domain.TxCompleted,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("gateway callback: %d %s", res.StatusCode, string(data))
	}
}

func TestRequiresAuth(t *testing.T) {
	srv := newTestServer(t, nil)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"Authorization": "Bearer nonsense"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must be open, got %d", res.StatusCode)
	}
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, func(c *config.Config) {
		c.Fees.PlatformPercent = 10
	})
	clientID, clientAuth := registerUser(t, srv, "ada", "client")
	_, workerAuth := registerUser(t, srv, "linus", "student")
	fund(t, srv, clientAuth, 10_000)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title":      "Design a logo",
		"budget_min": 1000,
		"budget_max": 5000,
	}, clientAuth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	_ = json.Unmarshal(data, &p)
	if p.OwnerID != clientID || p.Status != "open" {
		t.Fatalf("unexpected project %+v", p)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/apply", map[string]any{
		"proposal": "I will design it",
		"budget":   4000,
	}, workerAuth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("apply: %d %s", res.StatusCode, string(data))
	}
	var a ApplicationResponse
	_ = json.Unmarshal(data, &a)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/proposals/"+a.ID+"/accept", nil, clientAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}
	var accepted ApplicationResponse
	_ = json.Unmarshal(data, &accepted)
	if accepted.Status != "accepted" {
		t.Fatalf("expected accepted, got %s", accepted.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/approve", map[string]any{
		"rating": 5,
		"review": "clean work",
	}, clientAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var done ProjectResponse
	_ = json.Unmarshal(data, &done)
	if done.Status != "completed" {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/wallet/balance", nil, workerAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("balance: %d %s", res.StatusCode, string(data))
	}
	var bal BalanceResponse
	_ = json.Unmarshal(data, &bal)
	if bal.Balance != 3_600 {
		t.Fatalf("expected worker paid 3600 after 10%% cut, got %d", bal.Balance)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t, nil)
	_, clientAuth := registerUser(t, srv, "owner", "client")
	_, workerAuth := registerUser(t, srv, "maker", "student")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title":      "Tiny job",
		"budget_min": 100,
		"budget_max": 1000,
	}, clientAuth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	_ = json.Unmarshal(data, &p)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/apply", map[string]any{
		"proposal": "pick me",
		"budget":   500,
	}, workerAuth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("apply: %d %s", res.StatusCode, string(data))
	}
	var a ApplicationResponse
	_ = json.Unmarshal(data, &a)

	// no funds: 402 with a typed envelope
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/proposals/"+a.ID+"/accept", nil, clientAuth)
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "insufficient_funds" {
		t.Fatalf("expected insufficient_funds, got %q", envelope.Error.Code)
	}

	// duplicate proposal: 409
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/apply", map[string]any{
		"proposal": "pick me again",
		"budget":   500,
	}, workerAuth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d %s", res.StatusCode, string(data))
	}

	// student posting a project: 403
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title": "nope",
	}, workerAuth)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}

	// missing project: 404
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/does-not-exist", nil, clientAuth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestGatewayCallbackAlwaysAcknowledges(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/payment/gateway-callback", map[string]any{
		"reference": "never-issued",
		"status":    "completed",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unknown reference must still answer 200, got %d %s", res.StatusCode, string(data))
	}
	var body map[string]any
	_ = json.Unmarshal(data, &body)
	if applied, _ := body["applied"].(bool); applied {
		t.Fatalf("unknown reference must not apply")
	}
}

func TestProposalVisibility(t *testing.T) {
	srv := newTestServer(t, nil)
	_, clientAuth := registerUser(t, srv, "boss", "client")
	_, w1Auth := registerUser(t, srv, "alice", "student")
	_, w2Auth := registerUser(t, srv, "bob", "student")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title":      "Write docs",
		"budget_max": 2000,
	}, clientAuth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	_ = json.Unmarshal(data, &p)

	for _, auth := range []map[string]string{w1Auth, w2Auth} {
		res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/apply", map[string]any{
			"proposal": "me",
			"budget":   1500,
		}, auth)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("apply: %d %s", res.StatusCode, string(data))
		}
	}

	// the owner sees both proposals
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+p.ID+"/proposals", nil, clientAuth)
	var all []ApplicationResponse
	_ = json.Unmarshal(data, &all)
	if res.StatusCode != http.StatusOK || len(all) != 2 {
		t.Fatalf("owner listing: %d, %d items", res.StatusCode, len(all))
	}

	// an applicant sees only their own
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/"+p.ID+"/proposals", nil, w1Auth)
	var mine []ApplicationResponse
	_ = json.Unmarshal(data, &mine)
	if res.StatusCode != http.StatusOK || len(mine) != 1 {
		t.Fatalf("applicant listing: %d, %d items", res.StatusCode, len(mine))
	}
}

func TestNotificationsFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	_, clientAuth := registerUser(t, srv, "poster", "client")
	_, workerAuth := registerUser(t, srv, "doer", "student")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title":      "Quick task",
		"budget_max": 1000,
	}, clientAuth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	_ = json.Unmarshal(data, &p)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/apply", map[string]any{
		"proposal": "on it",
		"budget":   800,
	}, workerAuth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("apply: %d %s", res.StatusCode, string(data))
	}

	// owner got a proposal.submitted notification
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/notifications?unread=true", nil, clientAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list notifications: %d %s", res.StatusCode, string(data))
	}
	var items []NotificationResponse
	_ = json.Unmarshal(data, &items)
	if len(items) != 1 || items[0].Type != "proposal.submitted" {
		t.Fatalf("expected one proposal.submitted, got %+v", items)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/notifications/"+items[0].ID+"/read", nil, clientAuth)
	if res.StatusCode >= 300 {
		t.Fatalf("mark read: %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/notifications?unread=true", nil, clientAuth)
	_ = json.Unmarshal(data, &items)
	if len(items) != 0 {
		t.Fatalf("expected zero unread after read, got %d", len(items))
	}
}

func TestMeAndAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t, nil)
	userID, auth := registerUser(t, srv, "keyed", "client")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.UserID != userID || who.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", who)
	}
}

func TestWithdrawWrongProjectLeavesProposalIntact(t *testing.T) {
	srv := newTestServer(t, nil)
	_, clientAuth := registerUser(t, srv, "ada", "client")
	_, workerAuth := registerUser(t, srv, "linus", "student")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title":      "Design a logo",
		"budget_min": 1000,
		"budget_max": 5000,
	}, clientAuth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	_ = json.Unmarshal(data, &p)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/apply", map[string]any{
		"proposal": "I will design it",
		"budget":   4000,
	}, workerAuth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("apply: %d %s", res.StatusCode, string(data))
	}
	var a ApplicationResponse
	_ = json.Unmarshal(data, &a)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/not-the-project/proposals/"+a.ID+"/withdraw", nil, workerAuth)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for mismatched project, got %d %s", res.StatusCode, string(data))
	}
	got, err := srv.Engine.Repo.GetApplication(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get application: %v", err)
	}
	if got.Status != domain.ApplicationPending {
		t.Fatalf("404 must not mutate the application, got %s", got.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/"+p.ID+"/proposals/"+a.ID+"/withdraw", nil, workerAuth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("withdraw under the right project: %d %s", res.StatusCode, string(data))
	}
}

func TestWebhookDeliveryWithDefaultLogger(t *testing.T) {
	received := make(chan map[string]any, 8)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	hookSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		select {
		case received <- body:
		default:
		}
	})}
	go hookSrv.Serve(ln)
	t.Cleanup(func() {
		hookSrv.Shutdown(context.Background())
		ln.Close()
	})

	srv := newTestServer(t, func(c *config.Config) {
		c.Webhooks = []config.WebhookConfig{{
			URL:    "http://" + ln.Addr().String(),
			Events: []string{"project.*"},
		}}
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	StartWebhookDispatcher(ctx, srv.Engine, nil)
	// Let the dispatcher read its initial cursor before the event exists.
	time.Sleep(500 * time.Millisecond)

	_, clientAuth := registerUser(t, srv, "ada", "client")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"title":      "Design a logo",
		"budget_min": 1000,
		"budget_max": 5000,
	}, clientAuth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}

	select {
	case evt := <-received:
		if evt["type"] != "project.created" {
			t.Fatalf("unexpected event %v", evt)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}
