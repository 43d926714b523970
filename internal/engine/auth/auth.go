package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sambi/internal/domain"
)

// ForbiddenError indicates the actor lacks the required permission.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("not allowed to %s", e.Action)
}

// ForbiddenRoleError indicates the actor's role does not permit the action.
type ForbiddenRoleError struct {
	Role   string
	Action string
}

func (e ForbiddenRoleError) Error() string {
	return fmt.Sprintf("role %s cannot %s", e.Role, e.Action)
}

// Service provides ownership and role checks backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) userRoleTx(ctx context.Context, tx *sql.Tx, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user_id required")
	}
	row := tx.QueryRowContext(ctx, `SELECT role FROM users WHERE id=? LIMIT 1`, userID)
	var role string
	err := row.Scan(&role)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("unknown user %s", userID)
	}
	return role, err
}

// RequireRole ensures the user exists and carries the given role.
func (s Service) RequireRole(ctx context.Context, tx *sql.Tx, userID, role, action string) error {
	got, err := s.userRoleTx(ctx, tx, userID)
	if err != nil {
		return err
	}
	if got != role {
		return ForbiddenRoleError{Role: got, Action: action}
	}
	return nil
}

// RequireOwner ensures the actor owns the project.
func (s Service) RequireOwner(project domain.Project, actorID, action string) error {
	if project.OwnerID != actorID {
		return ForbiddenError{Action: action}
	}
	return nil
}

// RequireApplicant ensures the actor is the author of the application.
func (s Service) RequireApplicant(application domain.Application, actorID, action string) error {
	if application.ApplicantID != actorID {
		return ForbiddenError{Action: action}
	}
	return nil
}
