package sambisdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Sambi HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	BudgetMin   int64  `json:"budget_min"`
	BudgetMax   int64  `json:"budget_max"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// Proposal represents a bid on a project.
type Proposal struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id"`
	ApplicantID   string `json:"applicant_id"`
	Proposal      string `json:"proposal"`
	EstimatedTime string `json:"estimated_time,omitempty"`
	Budget        int64  `json:"budget"`
	Status        string `json:"status"`
	FeeReference  string `json:"fee_reference,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// Transaction is one ledger row.
type Transaction struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
	ProjectID string `json:"project_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Balance is a wallet snapshot.
type Balance struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	Available int64  `json:"available"`
}

// Notification is an in-app message.
type Notification struct {
	ID          string         `json:"id"`
	RecipientID string         `json:"recipient_id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	IsRead      bool           `json:"is_read"`
	CreatedAt   string         `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedProjects wraps project listings with a cursor.
type PaginatedProjects struct {
	Items      []Project `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// PaginatedTransactions wraps ledger listings with a cursor.
type PaginatedTransactions struct {
	Items      []Transaction `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// CreateProject posts a project.
func (c *Client) CreateProject(ctx context.Context, title, description, category string, budgetMin, budgetMax int64) (Project, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"category":    category,
		"budget_min":  budgetMin,
		"budget_max":  budgetMax,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v1/projects", body, &resp)
	return resp, err
}

// Projects returns a paginated project listing.
func (c *Client) Projects(ctx context.Context, status string, limit int, cursor string) (PaginatedProjects, error) {
	endpoint := "v1/projects" + query(map[string]string{
		"status": status,
		"limit":  intParam(limit),
		"cursor": cursor,
	})
	var resp PaginatedProjects
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Apply submits a proposal on an open project.
func (c *Client) Apply(ctx context.Context, projectID, proposal, estimatedTime string, budget int64) (Proposal, error) {
	body := map[string]any{
		"proposal": proposal,
		"budget":   budget,
	}
	if estimatedTime != "" {
		body["estimatedTime"] = estimatedTime
	}
	var resp Proposal
	endpoint := fmt.Sprintf("v1/projects/%s/apply", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AcceptProposal accepts a pending proposal as the project owner.
func (c *Client) AcceptProposal(ctx context.Context, projectID, proposalID string) (Proposal, error) {
	var resp Proposal
	endpoint := fmt.Sprintf("v1/projects/%s/proposals/%s/accept", url.PathEscape(projectID), url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RejectProposal rejects a pending proposal.
func (c *Client) RejectProposal(ctx context.Context, projectID, proposalID string) (Proposal, error) {
	var resp Proposal
	endpoint := fmt.Sprintf("v1/projects/%s/proposals/%s/reject", url.PathEscape(projectID), url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Approve approves the deliverables and releases the escrow hold.
func (c *Client) Approve(ctx context.Context, projectID string, rating int, review string) (Project, error) {
	body := map[string]any{
		"rating": rating,
		"review": review,
	}
	var resp Project
	endpoint := fmt.Sprintf("v1/projects/%s/approve", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// WalletBalance returns the caller's balance snapshot.
func (c *Client) WalletBalance(ctx context.Context) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodGet, "v1/wallet/balance", nil, &resp)
	return resp, err
}

// Deposit starts a wallet top-up. The returned transaction stays pending
// until the gateway callback confirms it.
func (c *Client) Deposit(ctx context.Context, amount int64) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "v1/wallet/deposit", map[string]any{"amount": amount}, &resp)
	return resp, err
}

// Transactions returns a paginated ledger listing.
func (c *Client) Transactions(ctx context.Context, txType, status string, limit int, cursor string) (PaginatedTransactions, error) {
	endpoint := "v1/wallet/transactions" + query(map[string]string{
		"type":   txType,
		"status": status,
		"limit":  intParam(limit),
		"cursor": cursor,
	})
	var resp PaginatedTransactions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Notifications returns recent notifications, optionally unread only.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	endpoint := "v1/notifications"
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var raw []struct {
		Notification
		PayloadJSON string `json:"payload,omitempty"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, err
	}
	res := make([]Notification, 0, len(raw))
	for _, n := range raw {
		res = append(res, n.Notification)
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func query(params map[string]string) string {
	v := url.Values{}
	for k, val := range params {
		if val != "" {
			v.Set(k, val)
		}
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

func intParam(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("%d", n)
}
