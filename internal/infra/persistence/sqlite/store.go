// Package sqlite provides a SQLite-backed result store. It reuses the
// in-memory semantics and snapshots the full state to a single table of
// JSON blobs after every successful append.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"histoquant/internal/infra/persistence/memory"
	"histoquant/pkg/domain"
)

var _ domain.ResultStore = (*Store)(nil)

// Store persists result rows to SQLite as JSON blobs per bucket.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore constructs a snapshotting SQLite-backed result store.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "histoquant.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var sqliteBuckets = []string{"metrics", "distributions", "aggregated"}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := memory.Snapshot{}
	loaded := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		loaded = true
		switch bucket {
		case "metrics":
			if err := json.Unmarshal(payload, &snapshot.Metrics); err != nil {
				return fmt.Errorf("decode metrics: %w", err)
			}
		case "distributions":
			if err := json.Unmarshal(payload, &snapshot.Distributions); err != nil {
				return fmt.Errorf("decode distributions: %w", err)
			}
		case "aggregated":
			if err := json.Unmarshal(payload, &snapshot.Aggregated); err != nil {
				return fmt.Errorf("decode aggregated: %w", err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if loaded {
		s.ImportState(snapshot)
	}
	return nil
}

func (s *Store) persist() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range sqliteBuckets {
		var data []byte
		switch bucket {
		case "metrics":
			data, err = json.Marshal(snapshot.Metrics)
		case "distributions":
			data, err = json.Marshal(snapshot.Distributions)
		case "aggregated":
			data, err = json.Marshal(snapshot.Aggregated)
		}
		if err != nil {
			retErr = err
			return retErr
		}
		if _, err = tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", bucket, err)
			return retErr
		}
	}
	return tx.Commit()
}

// AppendMetrics appends per-animal metric rows and snapshots to SQLite.
func (s *Store) AppendMetrics(ctx context.Context, animalID string, records []domain.MetricRecord) error {
	if err := s.Store.AppendMetrics(ctx, animalID, records); err != nil {
		return err
	}
	return s.persist()
}

// AppendDistributions appends per-animal distribution bins and snapshots to SQLite.
func (s *Store) AppendDistributions(ctx context.Context, animalID string, bins []domain.DistributionBin) error {
	if err := s.Store.AppendDistributions(ctx, animalID, bins); err != nil {
		return err
	}
	return s.persist()
}

// AppendAggregated appends cohort summary rows and snapshots to SQLite.
func (s *Store) AppendAggregated(ctx context.Context, cohort string, records []domain.AggregatedRecord) error {
	if err := s.Store.AppendAggregated(ctx, cohort, records); err != nil {
		return err
	}
	return s.persist()
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
