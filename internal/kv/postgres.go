package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS intel_kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const (
	getQuery    = `SELECT value FROM intel_kv WHERE key = $1`
	upsertQuery = `INSERT INTO intel_kv (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
	deleteQuery = `DELETE FROM intel_kv WHERE key = $1`
	scanQuery   = `SELECT key, value FROM intel_kv WHERE key LIKE $1 ESCAPE '\' ORDER BY key`
)

type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// Postgres is a Store on a single key/value table.
type Postgres struct {
	db *sqlx.DB
}

func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	p := NewPostgres(db)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an open connection. The table must exist or Migrate must
// be called.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating kv table: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.GetContext(ctx, &value, getQuery, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, p.wrap("get", err)
	}
	return value, nil
}

func (p *Postgres) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx, upsertQuery, key, value)
	return p.wrap("put", err)
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, deleteQuery, key)
	return p.wrap("delete", err)
}

func (p *Postgres) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	rows, err := p.db.QueryxContext(ctx, scanQuery, likePrefix(prefix))
	if err != nil {
		return p.wrap("scan", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return p.wrap("scan", err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return p.wrap("scan", rows.Err())
}

// Batch applies ops inside one transaction.
func (p *Postgres) Batch(ctx context.Context, ops []Op) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return p.wrap("begin", err)
	}
	for _, op := range ops {
		if op.Delete {
			_, err = tx.ExecContext(ctx, deleteQuery, op.Key)
		} else {
			_, err = tx.ExecContext(ctx, upsertQuery, op.Key, op.Value)
		}
		if err != nil {
			tx.Rollback()
			return p.wrap("batch", fmt.Errorf("key %s: %w", op.Key, err))
		}
	}
	return p.wrap("commit", tx.Commit())
}

// DB exposes the connection so other tables can share the pool.
func (p *Postgres) DB() *sqlx.DB { return p.db }

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) {
		return ErrClosed
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}

// likePrefix escapes LIKE metacharacters so the prefix matches literally.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
