// Package db is the Postgres storage of the settlement service. Every table type shares
// one pool; a transaction opened by WithinTx travels in the context and is joined by
// every call made with that context.
package db

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewDB(ctx context.Context, dsn string, logger *zap.Logger) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{pool, logger}, nil
}

func (d *DB) Close() {
	d.pool.Close()
}

func (d *DB) Ledger() *LedgerDB      { return &LedgerDB{d} }
func (d *DB) Schedules() *ScheduleDB { return &ScheduleDB{d} }
func (d *DB) Refunds() *RefundDB     { return &RefundDB{d} }
func (d *DB) Outbox() *OutboxDB      { return &OutboxDB{d} }

type contextTxKey struct{}

// WithinTx runs fn in a transaction, or inside the one already carried by ctx.
func (d *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(contextTxKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, contextTxKey{}, tx))
	})
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (d *DB) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(contextTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return d.pool
}

func (d *DB) inTx(ctx context.Context) bool {
	_, ok := ctx.Value(contextTxKey{}).(pgx.Tx)
	return ok
}

func (d *DB) logSQL(err error, query string, args []any) {
	d.logger.Error("SQL error",
		zap.Error(err),
		zap.String("query", query),
		zap.Any("args", args),
	)
}

// exec runs the statement and returns the number of affected rows.
func (d *DB) exec(ctx context.Context, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		d.logSQL(err, query, args)
		return 0, err
	}
	tag, err := d.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		d.logSQL(err, query, args)
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

func (d *DB) query(ctx context.Context, b sq.Sqlizer) (pgx.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		d.logSQL(err, query, args)
		return nil, err
	}
	rows, err := d.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		d.logSQL(err, query, args)
		return nil, mapError(err)
	}
	return rows, nil
}

func (d *DB) queryRow(ctx context.Context, b sq.Sqlizer) (pgx.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		d.logSQL(err, query, args)
		return nil, err
	}
	return d.conn(ctx).QueryRow(ctx, query, args...), nil
}

// collect scans every row with scan and closes rows.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const uniqueViolation = "23505"

func mapError(err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return model.ErrNotFound
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return fmt.Errorf("%w: %s", model.ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
