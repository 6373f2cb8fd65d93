package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SnapshotStore is an optional Postgres-backed alternative to JSONL
// Save/Load, for multi-process deployments that want the memory
// snapshot in a shared database rather than a local file. Vectors are
// still recomputed on load per spec.md §4.B — no pgvector column is
// needed, the table only holds the round-trippable (text, tags, ts)
// fields.
type SnapshotStore interface {
	SaveAll(ctx context.Context, entries []Entry) error
	LoadAll(ctx context.Context) ([]Entry, error)
}

// PostgresSnapshotStore implements SnapshotStore over a pgx pool.
type PostgresSnapshotStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresSnapshotStore connects to dsn and ensures table exists.
func NewPostgresSnapshotStore(ctx context.Context, dsn, table string) (*PostgresSnapshotStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: connect postgres: %w", err)
	}
	if table == "" {
		table = "telos_memory"
	}
	s := &PostgresSnapshotStore{pool: pool, table: table}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSnapshotStore) ensureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			text TEXT NOT NULL,
			tags TEXT[] NOT NULL DEFAULT '{}',
			ts DOUBLE PRECISION NOT NULL
		)`, s.table))
	return err
}

// SaveAll replaces the table contents with entries in a single
// transaction, matching the JSONL Save's full-overwrite semantics.
func (s *PostgresSnapshotStore) SaveAll(ctx context.Context, entries []Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("TRUNCATE %s", s.table)); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(fmt.Sprintf("INSERT INTO %s (id, text, tags, ts) VALUES ($1,$2,$3,$4)", s.table),
			e.ID, e.Text, sortedKeys(e.Tags), e.Timestamp)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// LoadAll returns every stored record with its vector left nil — the
// caller (Index) re-encodes text deterministically.
func (s *PostgresSnapshotStore) LoadAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT id, text, tags, ts FROM %s ORDER BY id", s.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var tags []string
		if err := rows.Scan(&e.ID, &e.Text, &tags, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Tags = normalizeTags(tags)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (s *PostgresSnapshotStore) Close() { s.pool.Close() }

// LoadFromStore replaces the index's contents with entries loaded from
// store, re-encoding each entry's vector via the configured codec.
func (ix *Index) LoadFromStore(ctx context.Context, store SnapshotStore) (int, error) {
	entries, err := store.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = nil
	for _, e := range entries {
		ix.nextID = max64(ix.nextID, e.ID)
		e.Vector = ix.encode(e.Text)
		ix.entries = append(ix.entries, e)
	}
	ix.mark("memory.load", map[string]any{"loaded": len(entries), "source": "postgres"})
	return len(entries), nil
}

// SaveToStore persists the index's current entries to store.
func (ix *Index) SaveToStore(ctx context.Context, store SnapshotStore) error {
	ix.mu.RLock()
	entries := make([]Entry, len(ix.entries))
	copy(entries, ix.entries)
	ix.mu.RUnlock()
	return store.SaveAll(ctx, entries)
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
