package domain

type Project struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	BudgetMin   int64  `json:"budget_min"`
	BudgetMax   int64  `json:"budget_max"`
	Status      string `json:"status" enum:"open,in_progress,completed,closed,cancelled"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Application struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id"`
	ApplicantID   string `json:"applicant_id"`
	Proposal      string `json:"proposal"`
	EstimatedTime string `json:"estimated_time,omitempty"`
	Budget        int64  `json:"budget"`
	Status        string `json:"status" enum:"pending,accepted,rejected,withdrawn"`
	FeeReference  string `json:"fee_reference,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

// WalletTransaction is one row of the append-only ledger. Amounts are signed
// minor units; a user's balance is always the sum of completed rows, never a
// stored field.
type WalletTransaction struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	Amount     int64   `json:"amount"`
	Type       string  `json:"type" enum:"deposit,application_fee,escrow_hold,escrow_release,refund,withdrawal"`
	Status     string  `json:"status" enum:"pending,completed,failed"`
	Reference  string  `json:"reference"`
	ProjectID  string  `json:"project_id,omitempty"`
	Note       string  `json:"note,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
}

type Notification struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Type        string `json:"type"`
	PayloadJSON string `json:"payload_json,omitempty"`
	IsRead      bool   `json:"is_read"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Review struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	ReviewerID string `json:"reviewer_id"`
	WorkerID   string `json:"worker_id"`
	Rating     int    `json:"rating" minimum:"1" maximum:"5"`
	Review     string `json:"review,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role" enum:"client,student"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Bio       string `json:"bio,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Project statuses.
const (
	ProjectOpen       = "open"
	ProjectInProgress = "in_progress"
	ProjectCompleted  = "completed"
	ProjectClosed     = "closed"
	ProjectCancelled  = "cancelled"
)

// Application statuses.
const (
	ApplicationPending   = "pending"
	ApplicationAccepted  = "accepted"
	ApplicationRejected  = "rejected"
	ApplicationWithdrawn = "withdrawn"
)

// Ledger transaction types.
const (
	TxDeposit        = "deposit"
	TxApplicationFee = "application_fee"
	TxEscrowHold     = "escrow_hold"
	TxEscrowRelease  = "escrow_release"
	TxRefund         = "refund"
	TxWithdrawal     = "withdrawal"
)

// Ledger transaction statuses.
const (
	TxPending   = "pending"
	TxCompleted = "completed"
	TxFailed    = "failed"
)

// User roles.
const (
	RoleClient  = "client"
	RoleStudent = "student"
)
