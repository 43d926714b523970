package repo

import (
	"context"
	"database/sql"

	"sambi/internal/domain"
)

const userCols = `id,name,email,role,COALESCE(avatar_url,''),COALESCE(bio,''),created_at`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.AvatarURL, &u.Bio, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,email,role,avatar_url,bio,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.Name, u.Email, u.Role, nullable(u.AvatarURL), nullable(u.Bio), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return scanUser(tx.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email=?`, email))
}

func (r Repo) UpdateUserProfile(ctx context.Context, id string, name, bio *string) error {
	var fields []string
	var args []any
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if bio != nil {
		fields = append(fields, "bio=?")
		args = append(args, nullable(*bio))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	query := "UPDATE users SET " + fields[0]
	for _, f := range fields[1:] {
		query += ", " + f
	}
	res, err := r.DB.ExecContext(ctx, query+" WHERE id=?", args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
