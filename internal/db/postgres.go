package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDatabase implements Database on top of a pgxpool.Pool, grounded
// on the connection-pool-with-health-check pattern used throughout the
// corpus for Postgres access.
type PostgresDatabase struct {
	pool *pgxpool.Pool
}

// NewPostgresDatabase opens a pool against dsn with the given maximum
// connection count (spec §4.8: "open DB pool (max 10 connections)").
func NewPostgresDatabase(ctx context.Context, dsn string, maxConns int32) (*PostgresDatabase, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PostgresDatabase{pool: pool}, nil
}

func (d *PostgresDatabase) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	tag, err := d.pool.Exec(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxResult{tag}, nil
}

func (d *PostgresDatabase) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return pgxRow{d.pool.QueryRow(ctx, sql, args...)}
}

func (d *PostgresDatabase) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := d.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows}, nil
}

func (d *PostgresDatabase) BeginTx(ctx context.Context, opts *TxOptions) (Tx, error) {
	txOpts := pgx.TxOptions{}
	if opts != nil {
		if opts.ReadOnly {
			txOpts.AccessMode = pgx.ReadOnly
		}
		switch opts.IsolationLevel {
		case "serializable":
			txOpts.IsoLevel = pgx.Serializable
		case "repeatable read":
			txOpts.IsoLevel = pgx.RepeatableRead
		case "read committed":
			txOpts.IsoLevel = pgx.ReadCommitted
		}
	}
	tx, err := d.pool.BeginTx(ctx, txOpts)
	if err != nil {
		return nil, err
	}
	return pgxTx{tx}, nil
}

func (d *PostgresDatabase) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

func (d *PostgresDatabase) Close() error {
	d.pool.Close()
	return nil
}

func (d *PostgresDatabase) DriverName() string { return "postgres" }

type pgxResult struct {
	tag pgconn.CommandTag
}

func (r pgxResult) RowsAffected() int64 { return r.tag.RowsAffected() }

type pgxRow struct {
	row pgx.Row
}

func (r pgxRow) Scan(dest ...any) error { return r.row.Scan(dest...) }

type pgxRows struct {
	rows pgx.Rows
}

func (r pgxRows) Next() bool            { return r.rows.Next() }
func (r pgxRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r pgxRows) Err() error            { return r.rows.Err() }
func (r pgxRows) Close()                { r.rows.Close() }

type pgxTx struct {
	tx pgx.Tx
}

func (t pgxTx) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxResult{tag}, nil
}

func (t pgxTx) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return pgxRow{t.tx.QueryRow(ctx, sql, args...)}
}

func (t pgxTx) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows}, nil
}

func (t pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }
