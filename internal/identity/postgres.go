package identity

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"imperious/messaging-service/internal/models"
)

// PostgresDirectory reads users from the shared users table.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
	SELECT id, email, name, role, dept
	FROM users
	WHERE lower(email) = $1
	`
	return d.scan(d.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))))
}

func (d *PostgresDirectory) FindByID(ctx context.Context, id string) (*models.User, error) {
	query := `
	SELECT id, email, name, role, dept
	FROM users
	WHERE id = $1
	`
	return d.scan(d.db.QueryRowContext(ctx, query, id))
}

func (d *PostgresDirectory) scan(row *sql.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.Dept); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}
