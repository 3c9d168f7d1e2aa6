// Package postgres persists unit-of-work bags in PostgreSQL, through pgx or
// any database/sql driver wrapped by sqlx.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
)

// DB is the part of a database handle the bag store needs. Queries arrive
// fully rendered.
type DB interface {
	Query(ctx context.Context, query string) (Rows, error)
	Exec(ctx context.Context, query string) (Result, error)
}

type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

type Result interface {
	RowsAffected() (int64, error)
}

// === pgx ===

type PGXAdapter struct {
	pool *pgxpool.Pool
}

func NewPGXAdapter(pool *pgxpool.Pool) *PGXAdapter { return &PGXAdapter{pool: pool} }

func (p *PGXAdapter) Query(ctx context.Context, query string) (Rows, error) {
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return &pgxRows{rows: rows}, nil
}

func (p *PGXAdapter) Exec(ctx context.Context, query string) (Result, error) {
	tag, err := p.pool.Exec(ctx, query)
	if err != nil {
		return nil, err
	}
	return pgxResult{tag: tag}, nil
}

type pgxRows struct{ rows pgx.Rows }

func (p *pgxRows) Next() bool             { return p.rows.Next() }
func (p *pgxRows) Scan(dest ...any) error { return p.rows.Scan(dest...) }
func (p *pgxRows) Err() error             { return p.rows.Err() }
func (p *pgxRows) Close() error {
	p.rows.Close()
	return nil
}

type pgxResult struct{ tag pgconn.CommandTag }

func (p pgxResult) RowsAffected() (int64, error) { return p.tag.RowsAffected(), nil }

// === sqlx ===

type SQLXAdapter struct {
	db *sqlx.DB
}

func NewSQLXAdapter(db *sqlx.DB) *SQLXAdapter { return &SQLXAdapter{db: db} }

func (s *SQLXAdapter) Query(ctx context.Context, query string) (Rows, error) {
	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *SQLXAdapter) Exec(ctx context.Context, query string) (Result, error) {
	return s.db.ExecContext(ctx, query)
}

var (
	_ DB   = (*PGXAdapter)(nil)
	_ DB   = (*SQLXAdapter)(nil)
	_ Rows = (*sqlx.Rows)(nil)
)
