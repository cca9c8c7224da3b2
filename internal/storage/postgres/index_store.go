// Package postgres indexes visit records in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pagefleet/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IndexStoreConfig controls the Postgres connection pool used for visit rows.
type IndexStoreConfig struct {
	DSN             string
	Table           string
	RunID           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// IndexStore writes one row per visit-chain hop so runs can be queried
// without scanning result files.
type IndexStore struct {
	pool  execCloser
	table string
	runID string
}

// NewIndexStore connects to Postgres using the provided config.
func NewIndexStore(ctx context.Context, cfg IndexStoreConfig) (*IndexStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("index.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewIndexStoreWithPool(pool, cfg.Table, cfg.RunID)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewIndexStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewIndexStoreWithPool(pool execCloser, table, runID string) (*IndexStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "visits"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &IndexStore{pool: pool, table: table, runID: runID}, nil
}

// Close releases the underlying pool resources.
func (s *IndexStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// WriteBatch inserts every record of the batch. Hop numbers follow record order.
func (s *IndexStore) WriteBatch(ctx context.Context, batch crawler.ResultBatch) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("index store is not configured")
	}
	if batch.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	job_id,
	hop,
	url,
	status_code,
	server_addr,
	headers,
	dom,
	screenshot,
	tags,
	destination
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, s.table)

	for i, rec := range batch.Records {
		headersJSON, err := jsonOrNil(rec.Headers)
		if err != nil {
			return fmt.Errorf("marshal headers: %w", err)
		}
		tagsJSON, err := jsonOrNil(rec.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		args := []any{
			s.runID,
			batch.JobID,
			i,
			rec.URL,
			statusText(rec.StatusCode),
			rec.ServerAddr,
			headersJSON,
			artifactRef(rec.DOM),
			artifactRef(rec.Screenshot),
			tagsJSON,
			batch.Destination,
		}
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert visit: %w", err)
		}
	}
	return nil
}

func jsonOrNil[T ~map[string]V, V any](m T) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func statusText(s *crawler.StatusCode) *string {
	if s == nil {
		return nil
	}
	v := s.String()
	return &v
}

// artifactRef returns the file name or content hash an artifact is stored under.
func artifactRef(a *crawler.Artifact) *string {
	if a == nil {
		return nil
	}
	ref := a.File
	if ref == "" {
		ref = a.Hash
	}
	return &ref
}
