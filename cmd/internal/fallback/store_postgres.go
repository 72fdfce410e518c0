package fallback

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the fallback entries in <schema>.client_kv, partitioned
// by namespace (one namespace per device or kiosk profile).
type PostgresStore struct {
	pool      *pgxpool.Pool
	schema    string
	namespace string
}

// PostgresOption configures PostgresStore.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "clubhub").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !isValidPGIdent(schema) {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// WithNamespace sets the partition key (default: "default").
func WithNamespace(ns string) PostgresOption {
	return func(s *PostgresStore) error {
		ns = strings.TrimSpace(ns)
		if ns == "" || len(ns) > 128 {
			return ErrInvalidInput
		}
		s.namespace = ns
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore. The pool is owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "clubhub", namespace: "default"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

// EnsureSchema creates the schema and table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+quoteIdent(s.schema)); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table()+` (
		namespace  text        NOT NULL,
		key        text        NOT NULL,
		value      bytea,
		updated_at timestamptz NOT NULL,
		PRIMARY KEY (namespace, key)
	)`)
	return err
}

func (s *PostgresStore) table() string {
	return pgIdent(s.schema, "client_kv")
}

func (s *PostgresStore) guard(ctx context.Context, key string) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validKey(key) {
		return ErrInvalidInput
	}
	return nil
}

// Get returns the value for key.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.guard(ctx, key); err != nil {
		return nil, err
	}
	var v []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM `+s.table()+` WHERE namespace = $1 AND key = $2 AND value IS NOT NULL`,
		s.namespace, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Put upserts value.
func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.guard(ctx, key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (namespace, key, value, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		s.namespace, key, value, time.Now().UTC(),
	)
	return err
}

// Delete removes key.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if err := s.guard(ctx, key); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table()+` WHERE namespace = $1 AND key = $2`,
		s.namespace, key,
	)
	return err
}

// Update runs fn inside a transaction holding the row lock.
func (s *PostgresStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := s.guard(ctx, key); err != nil {
		return err
	}
	if fn == nil {
		return ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Placeholder row (NULL value) so FOR UPDATE has something to lock on first write.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table()+` (namespace, key, value, updated_at)
		 VALUES ($1, $2, NULL, $3)
		 ON CONFLICT (namespace, key) DO NOTHING`,
		s.namespace, key, time.Now().UTC(),
	); err != nil {
		return err
	}

	var old []byte
	if err := tx.QueryRow(ctx,
		`SELECT value FROM `+s.table()+` WHERE namespace = $1 AND key = $2 FOR UPDATE`,
		s.namespace, key,
	).Scan(&old); err != nil {
		return err
	}
	found := old != nil

	next, err := fn(old, found)
	if err != nil {
		return err
	}

	if next == nil {
		if _, err := tx.Exec(ctx,
			`DELETE FROM `+s.table()+` WHERE namespace = $1 AND key = $2`,
			s.namespace, key,
		); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(ctx,
			`UPDATE `+s.table()+` SET value = $3, updated_at = $4 WHERE namespace = $1 AND key = $2`,
			s.namespace, key, next, time.Now().UTC(),
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Ping acquires a connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	return s.pool.Ping(ctx)
}

// Close is a no-op: the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

var pgIdentRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func pgIdent(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}
