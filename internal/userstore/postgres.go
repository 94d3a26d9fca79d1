// Package userstore persists the gateway's internal users. [Postgres] is
// the production store; [Memory] backs tests and demo runs. Both enforce
// case-insensitive email uniqueness and external ID uniqueness, which the
// identity resolver relies on for concurrency control.
package userstore

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5"

	"github.com/StricklySoft/teamskills-gateway/pkg/auth"
	"github.com/StricklySoft/teamskills-gateway/pkg/clients/postgres"
	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
)

//go:embed schema.sql
var schema string

const userColumns = `id, name, email, external_oid, role, team, is_admin, created_at, updated_at`

const (
	queryFindByID = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	queryFindByExternalID = `SELECT ` + userColumns + ` FROM users WHERE external_oid = $1`

	queryFindByEmail = `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`

	queryList = `SELECT ` + userColumns + ` FROM users ORDER BY id`

	queryLink = `UPDATE users SET external_oid = $2, updated_at = NOW()
WHERE id = $1 AND (external_oid IS NULL OR external_oid = $2)
RETURNING ` + userColumns

	queryUpdateProfile = `UPDATE users SET name = COALESCE($2, name), team = COALESCE($3, team), updated_at = NOW()
WHERE id = $1
RETURNING ` + userColumns

	queryExists = `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`

	queryInsert = `INSERT INTO users (name, email, external_oid, role, is_admin)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT DO NOTHING
RETURNING ` + userColumns
)

// Postgres is an [auth.UserStore] over the users table.
type Postgres struct {
	db *postgres.Client
}

var _ auth.UserStore = (*Postgres)(nil)

// NewPostgres returns a store using db.
func NewPostgres(db *postgres.Client) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the users table and its unique indexes if they do not
// exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return sserr.Wrap(err, sserr.CodeInternalDatabase, "userstore: migration failed")
	}
	return nil
}

// FindByID returns the user with the given ID.
func (s *Postgres) FindByID(ctx context.Context, id int64) (*auth.User, error) {
	return s.queryOne(ctx, queryFindByID, "userstore: find by id failed", id)
}

// FindByExternalID returns the user linked to oid.
func (s *Postgres) FindByExternalID(ctx context.Context, oid string) (*auth.User, error) {
	return s.queryOne(ctx, queryFindByExternalID, "userstore: find by external id failed", oid)
}

// FindByEmail matches email case-insensitively.
func (s *Postgres) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.queryOne(ctx, queryFindByEmail, "userstore: find by email failed", email)
}

// List returns every user ordered by ID.
func (s *Postgres) List(ctx context.Context) ([]auth.User, error) {
	rows, err := s.db.Query(ctx, queryList)
	if err != nil {
		return nil, err
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (auth.User, error) {
		u, err := scanUser(row)
		if err != nil {
			return auth.User{}, err
		}
		return *u, nil
	})
	if err != nil {
		return nil, postgres.WrapError(err, "userstore: list failed")
	}
	return users, nil
}

// LinkExternalID attaches oid to an unlinked row. The conditional UPDATE
// makes a concurrent link to a different oid lose cleanly.
func (s *Postgres) LinkExternalID(ctx context.Context, id int64, oid string) (*auth.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, queryLink, id, oid))
	if err == nil {
		return u, nil
	}
	err = postgres.WrapError(err, "userstore: link external id failed")
	if !sserr.IsNotFound(err) {
		return nil, err
	}

	var exists bool
	if err := s.db.QueryRow(ctx, queryExists, id).Scan(&exists); err != nil {
		return nil, postgres.WrapError(err, "userstore: link external id failed")
	}
	if !exists {
		return nil, sserr.Newf(sserr.CodeNotFoundUser, "userstore: user %d not found", id)
	}
	return nil, sserr.Newf(sserr.CodeConflictIdentityLinked,
		"userstore: user %d is already linked to another identity", id)
}

// Insert creates a user. When a unique index rejects the row, nothing is
// returned and the error is [sserr.CodeConflictAlreadyExists].
func (s *Postgres) Insert(ctx context.Context, nu auth.NewUser) (*auth.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, queryInsert,
		nu.Name, nu.Email, nu.ExternalOID, nu.Role, nu.IsAdmin))
	if err == nil {
		return u, nil
	}
	err = postgres.WrapError(err, "userstore: insert failed")
	if sserr.IsNotFound(err) {
		return nil, sserr.Wrap(err, sserr.CodeConflictAlreadyExists, "userstore: user already exists")
	}
	return nil, err
}

// UpdateProfile sets the non-nil fields of p on user id.
func (s *Postgres) UpdateProfile(ctx context.Context, id int64, p auth.ProfileUpdate) (*auth.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, queryUpdateProfile, id, p.Name, p.Team))
	if err != nil {
		return nil, postgres.WrapError(err, "userstore: update profile failed")
	}
	return u, nil
}

func (s *Postgres) queryOne(ctx context.Context, sql, msg string, arg any) (*auth.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, sql, arg))
	if err != nil {
		return nil, postgres.WrapError(err, msg)
	}
	return u, nil
}

func scanUser(row pgx.Row) (*auth.User, error) {
	var u auth.User
	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.ExternalOID,
		&u.Role,
		&u.Team,
		&u.IsAdmin,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
