package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/isucon/isucon8-final/internal/auditlog"
	"github.com/isucon/isucon8-final/internal/bank"
)

// Queryer is satisfied by both *pgxpool.Pool and pgx.Tx, so store queries can
// run against the pool directly or inside a transaction.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// DB wraps the connection pool together with the external collaborators the
// stores emit to. The relational store is the single source of truth for book
// state; there is no in-memory order book.
type DB struct {
	Pool  *pgxpool.Pool
	Bank  *bank.Client
	Audit *auditlog.Logger
}

func New(ctx context.Context, connString string, bk *bank.Client, audit *auditlog.Logger) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errors.Wrap(err, "create connection pool")
	}
	return &DB{Pool: pool, Bank: bk, Audit: audit}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}

// TxScope runs f inside a transaction. The transaction is rolled back when f
// errors or panics and committed otherwise.
func (db *DB) TxScope(ctx context.Context, f func(tx pgx.Tx) error) (err error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			err = errors.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = errors.Wrap(tx.Commit(ctx), "commit transaction")
		}
	}()
	err = f(tx)
	return
}
