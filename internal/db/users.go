package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/isucon/isucon8-final/internal/models"
)

const userColumns = "id, bank_id, name, password_hash, created_at"

func scanUser(r rowScanner) (*models.User, error) {
	var u models.User
	if err := r.Scan(&u.ID, &u.BankID, &u.Name, &u.Password, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a signed-up user. The bank_id column is unique; a
// duplicate signup maps to ErrBankAccountConflict.
func (db *DB) CreateUser(ctx context.Context, q Queryer, bankID, name, passwordHash string) (*models.User, error) {
	user, err := scanUser(q.QueryRow(ctx,
		"INSERT INTO users (bank_id, name, password_hash) VALUES ($1, $2, $3) RETURNING "+userColumns,
		bankID, name, passwordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, models.ErrBankAccountConflict
		}
		return nil, errors.Wrap(err, "insert user")
	}
	db.Audit.Record(ctx, "signup", map[string]interface{}{
		"bank_id": user.BankID,
		"user_id": user.ID,
		"name":    user.Name,
	})
	return user, nil
}

func (db *DB) GetUserByID(ctx context.Context, q Queryer, id int64) (*models.User, error) {
	user, err := scanUser(q.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
	switch {
	case err == pgx.ErrNoRows:
		return nil, models.ErrUserNotFound
	case err != nil:
		return nil, errors.Wrap(err, "query user by id")
	}
	return user, nil
}

func (db *DB) GetUserByBankID(ctx context.Context, q Queryer, bankID string) (*models.User, error) {
	user, err := scanUser(q.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE bank_id = $1", bankID))
	switch {
	case err == pgx.ErrNoRows:
		return nil, models.ErrUserNotFound
	case err != nil:
		return nil, errors.Wrap(err, "query user by bank id")
	}
	return user, nil
}

// GetUserByIDWithLock locks the user row for the duration of tx.
func (db *DB) GetUserByIDWithLock(ctx context.Context, tx pgx.Tx, id int64) (*models.User, error) {
	user, err := scanUser(tx.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", id))
	switch {
	case err == pgx.ErrNoRows:
		return nil, models.ErrUserNotFound
	case err != nil:
		return nil, errors.Wrap(err, "lock user by id")
	}
	return user, nil
}
