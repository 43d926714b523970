package engine

import (
	"fmt"
	"strings"
)

// InvalidStateError signals a state-machine precondition violation.
type InvalidStateError struct {
	Entity string
	ID     string
	Status string
	Op     string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s, cannot %s", e.Entity, e.ID, e.Status, e.Op)
}

// DuplicateApplicationError signals the applicant already has a live
// application on the project.
type DuplicateApplicationError struct {
	ProjectID   string
	ApplicantID string
}

func (e DuplicateApplicationError) Error() string {
	return fmt.Sprintf("applicant %s already applied to project %s", e.ApplicantID, e.ProjectID)
}

// InsufficientFundsError signals the owner's available balance cannot cover
// the escrow hold.
type InsufficientFundsError struct {
	UserID    string
	Required  int64
	Available int64
}

func (e InsufficientFundsError) Error() string {
	return fmt.Sprintf("user %s has %d available, %d required", e.UserID, e.Available, e.Required)
}

// ValidationError signals bad caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
