package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"sambi/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectCols = `id,owner_id,title,COALESCE(description,''),COALESCE(category,''),budget_min,budget_max,status,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.OwnerID, &p.Title, &p.Description, &p.Category, &p.BudgetMin, &p.BudgetMax, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,owner_id,title,description,category,budget_min,budget_max,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, p.Title, nullable(p.Description), nullable(p.Category), p.BudgetMin, p.BudgetMax, p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id))
}

// TransitionProject moves a project between statuses with a guarded update:
// the row only changes when it is still in one of the expected statuses.
// Returns ErrNotFound when the guard fails, which callers treat as a state
// conflict after confirming the row exists.
func (r Repo) TransitionProject(ctx context.Context, tx *sql.Tx, id, toStatus, now string, fromStatuses ...string) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fromStatuses)), ",")
	args := []any{toStatus, now, id}
	for _, s := range fromStatuses {
		args = append(args, s)
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, updated_at=? WHERE id=? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ProjectFilters struct {
	OwnerID         string
	Category        string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + projectCols + ` FROM projects ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountProjectsByStatus(ctx context.Context, ownerID, status string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM projects WHERE owner_id=? AND status=?`, ownerID, status).Scan(&n)
	return n, err
}

const applicationCols = `id,project_id,applicant_id,proposal,COALESCE(estimated_time,''),budget,status,COALESCE(fee_reference,''),created_at,updated_at`

func scanApplication(row rowScanner) (domain.Application, error) {
	var a domain.Application
	err := row.Scan(&a.ID, &a.ProjectID, &a.ApplicantID, &a.Proposal, &a.EstimatedTime, &a.Budget, &a.Status, &a.FeeReference, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertApplicationTx(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO applications(id,project_id,applicant_id,proposal,estimated_time,budget,status,fee_reference,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.ApplicantID, a.Proposal, nullable(a.EstimatedTime), a.Budget, a.Status, nullable(a.FeeReference), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	return scanApplication(r.DB.QueryRowContext(ctx, `SELECT `+applicationCols+` FROM applications WHERE id=?`, id))
}

func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Application, error) {
	return scanApplication(tx.QueryRowContext(ctx, `SELECT `+applicationCols+` FROM applications WHERE id=?`, id))
}

// TransitionApplication updates an application's status with the same guard
// semantics as TransitionProject.
func (r Repo) TransitionApplication(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE applications SET status=?, updated_at=? WHERE id=? AND status=?`, toStatus, now, id, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RejectSiblingApplications forces every other pending application on the
// project to rejected and returns the affected applicant IDs so the caller
// can notify them.
func (r Repo) RejectSiblingApplications(ctx context.Context, tx *sql.Tx, projectID, acceptedID, now string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, applicant_id FROM applications WHERE project_id=? AND id!=? AND status=?`, projectID, acceptedID, domain.ApplicationPending)
	if err != nil {
		return nil, err
	}
	type sibling struct{ id, applicant string }
	var siblings []sibling
	for rows.Next() {
		var s sibling
		if err := rows.Scan(&s.id, &s.applicant); err != nil {
			rows.Close()
			return nil, err
		}
		siblings = append(siblings, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var applicants []string
	for _, s := range siblings {
		if err := r.TransitionApplication(ctx, tx, s.id, domain.ApplicationPending, domain.ApplicationRejected, now); err != nil {
			return nil, err
		}
		applicants = append(applicants, s.applicant)
	}
	return applicants, nil
}

// ActiveApplication returns the applicant's pending or accepted application
// for the project, if any.
func (r Repo) ActiveApplication(ctx context.Context, tx *sql.Tx, projectID, applicantID string) (domain.Application, error) {
	return scanApplication(tx.QueryRowContext(ctx,
		`SELECT `+applicationCols+` FROM applications WHERE project_id=? AND applicant_id=? AND status IN (?,?) LIMIT 1`,
		projectID, applicantID, domain.ApplicationPending, domain.ApplicationAccepted))
}

// AcceptedApplication returns the single accepted application for a project.
func (r Repo) AcceptedApplication(ctx context.Context, projectID string) (domain.Application, error) {
	return scanApplication(r.DB.QueryRowContext(ctx,
		`SELECT `+applicationCols+` FROM applications WHERE project_id=? AND status=? LIMIT 1`, projectID, domain.ApplicationAccepted))
}

func (r Repo) AcceptedApplicationTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Application, error) {
	return scanApplication(tx.QueryRowContext(ctx,
		`SELECT `+applicationCols+` FROM applications WHERE project_id=? AND status=? LIMIT 1`, projectID, domain.ApplicationAccepted))
}

func (r Repo) ListApplications(ctx context.Context, projectID string) ([]domain.Application, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+applicationCols+` FROM applications WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListApplicationsTx returns a project's applications in the given status.
func (r Repo) ListApplicationsTx(ctx context.Context, tx *sql.Tx, projectID, status string) ([]domain.Application, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+applicationCols+` FROM applications WHERE project_id=? AND status=? ORDER BY created_at ASC, id ASC`, projectID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountAcceptedProjectsByWorker counts projects where the worker's accepted
// application sits in the given project status. Feeds the profile endpoint.
func (r Repo) CountAcceptedProjectsByWorker(ctx context.Context, workerID, projectStatus string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM applications a JOIN projects p ON p.id=a.project_id WHERE a.applicant_id=? AND a.status=? AND p.status=?`,
		workerID, domain.ApplicationAccepted, projectStatus).Scan(&n)
	return n, err
}

func (r Repo) InsertReviewTx(ctx context.Context, tx *sql.Tx, rev domain.Review) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(id,project_id,reviewer_id,worker_id,rating,review,created_at) VALUES (?,?,?,?,?,?,?)`,
		rev.ID, rev.ProjectID, rev.ReviewerID, rev.WorkerID, rev.Rating, nullable(rev.Review), rev.CreatedAt)
	return err
}

// AverageRating returns the worker's mean review rating, or false when the
// worker has no reviews yet.
func (r Repo) AverageRating(ctx context.Context, workerID string) (float64, bool, error) {
	var avg sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT AVG(rating) FROM reviews WHERE worker_id=?`, workerID).Scan(&avg)
	if err != nil {
		return 0, false, err
	}
	return avg.Float64, avg.Valid, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
