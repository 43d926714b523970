package server

import (
	"sambi/internal/domain"
	"sambi/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Category    *string `json:"category,omitempty"`
	BudgetMin   int64   `json:"budget_min,omitempty" minimum:"0"`
	BudgetMax   int64   `json:"budget_max,omitempty" minimum:"0"`
}

type ApplyRequest struct {
	Proposal      string  `json:"proposal"`
	EstimatedTime *string `json:"estimatedTime,omitempty"`
	Budget        int64   `json:"budget"`
}

type RevisionRequest struct {
	Notes string `json:"notes"`
}

type ApproveRequest struct {
	Rating int     `json:"rating" minimum:"1" maximum:"5"`
	Review *string `json:"review,omitempty"`
}

type GatewayCallbackRequest struct {
	Reference string `json:"reference"`
	Status    string `json:"status" enum:"completed,failed"`
}

type AmountRequest struct {
	Amount int64 `json:"amount" minimum:"1"`
}

type CreateUserRequest struct {
	Name  string  `json:"name"`
	Email string  `json:"email" format:"email"`
	Role  string  `json:"role" enum:"client,student"`
	Bio   *string `json:"bio,omitempty"`
}

// Response payloads

type ProjectResponse struct {
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

type ApplicationResponse struct {
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

type TransactionResponse struct {
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

type NotificationResponse struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Type        string `json:"type"`
	Payload     string `json:"payload,omitempty"`
	IsRead      bool   `json:"is_read"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type UserResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role" enum:"client,student"`
	Bio       string `json:"bio,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ProfileResponse struct {
	User              UserResponse `json:"user"`
	ProjectsInFlight  int          `json:"projects_in_flight"`
	ProjectsCompleted int          `json:"projects_completed"`
	AverageRating     *float64     `json:"average_rating,omitempty"`
}

type BalanceResponse struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	Available int64  `json:"available"`
}

type paginatedProjects struct {
	Items      []ProjectResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedTransactions struct {
	Items      []TransactionResponse `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		OwnerID:     p.OwnerID,
		Title:       p.Title,
		Description: p.Description,
		Category:    p.Category,
		BudgetMin:   p.BudgetMin,
		BudgetMax:   p.BudgetMax,
		Status:      p.Status,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func applicationResponse(a domain.Application) ApplicationResponse {
	return ApplicationResponse{
		ID:            a.ID,
		ProjectID:     a.ProjectID,
		ApplicantID:   a.ApplicantID,
		Proposal:      a.Proposal,
		EstimatedTime: a.EstimatedTime,
		Budget:        a.Budget,
		Status:        a.Status,
		FeeReference:  a.FeeReference,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func mapApplications(items []domain.Application) []ApplicationResponse {
	res := make([]ApplicationResponse, 0, len(items))
	for _, a := range items {
		res = append(res, applicationResponse(a))
	}
	return res
}

func transactionResponse(t domain.WalletTransaction) TransactionResponse {
	return TransactionResponse{
		ID:         t.ID,
		UserID:     t.UserID,
		Amount:     t.Amount,
		Type:       t.Type,
		Status:     t.Status,
		Reference:  t.Reference,
		ProjectID:  t.ProjectID,
		Note:       t.Note,
		CreatedAt:  t.CreatedAt,
		ResolvedAt: t.ResolvedAt,
	}
}

func notificationResponse(n domain.Notification) NotificationResponse {
	return NotificationResponse{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Type:        n.Type,
		Payload:     n.PayloadJSON,
		IsRead:      n.IsRead,
		CreatedAt:   n.CreatedAt,
	}
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Role:      u.Role,
		Bio:       u.Bio,
		CreatedAt: u.CreatedAt,
	}
}

func profileResponse(p engine.Profile) ProfileResponse {
	return ProfileResponse{
		User:              userResponse(p.User),
		ProjectsInFlight:  p.ProjectsInFlight,
		ProjectsCompleted: p.ProjectsCompleted,
		AverageRating:     p.AverageRating,
	}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
