// Package store persists raw items, consolidated items and state documents
// in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DatabaseFile is the file name used inside the data directory.
const DatabaseFile = "feedbackd.db"

// Store wraps a SQLite database. It implements feedback.ItemStore,
// feedback.ConsolidatedStore and feedback.DocumentStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ feedback.ItemStore         = (*Store)(nil)
	_ feedback.ConsolidatedStore = (*Store)(nil)
	_ feedback.DocumentStore     = (*Store)(nil)
)

// Open opens (or creates) the database in dataDir and applies pending
// migrations. Pass ":memory:" for an in-memory database.
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, DatabaseFile)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: an in-memory database is per connection, and a single
	// writer avoids "database is locked".
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// AppliedMigrations returns the applied migration versions, ascending.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// scopeClause matches the grouping columns against a scope. Empty category
// or agent version match any value.
const scopeClause = `agent = ? AND (? = '' OR category = ?) AND (? = '' OR agent_version = ?)`

func scopeArgs(scope feedback.Scope) []any {
	return []any{scope.Agent, scope.Category, scope.Category, scope.AgentVersion, scope.AgentVersion}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// --- Raw items ---

// AddRawItems inserts raw observations. Items with ID 0 get an assigned id;
// others keep theirs. The batch is atomic.
func (s *Store) AddRawItems(ctx context.Context, items []feedback.RawItem) ([]feedback.RawItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	out := make([]feedback.RawItem, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.Agent) == "" {
			return nil, feedback.ErrEmptyAgent
		}
		if item.Status == "" {
			item.Status = feedback.RawActive
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = s.now()
		}
		embedding, err := encodeJSON(item.Embedding)
		if err != nil {
			return nil, fmt.Errorf("encoding embedding: %w", err)
		}
		fields, err := encodeJSON(item.Fields)
		if err != nil {
			return nil, fmt.Errorf("encoding fields: %w", err)
		}

		var id any
		if item.ID != 0 {
			id = item.ID
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO raw_items (id, agent, category, agent_version, embedding, fields, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, item.Agent, item.Category, item.AgentVersion, embedding, fields, string(item.Status), formatTime(item.CreatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("inserting raw item: %w", err)
		}
		if item.ID == 0 {
			if item.ID, err = res.LastInsertId(); err != nil {
				return nil, fmt.Errorf("reading raw item id: %w", err)
			}
		}
		out[i] = item
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing raw items: %w", err)
	}
	return out, nil
}

// SetRawStatus changes the status of a raw item.
func (s *Store) SetRawStatus(ctx context.Context, id int64, status feedback.RawStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE raw_items SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return feedback.ErrNotFound
	}
	return nil
}

// ListRawItems implements feedback.ItemStore.
func (s *Store) ListRawItems(ctx context.Context, scope feedback.Scope, filter feedback.RawFilter) ([]feedback.RawItem, error) {
	status := filter.Status
	if status == "" {
		status = feedback.RawActive
	}
	args := append(scopeArgs(scope), string(status), filter.AfterID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent, category, agent_version, embedding, fields, status, created_at
		FROM raw_items WHERE `+scopeClause+` AND status = ? AND id > ?
		ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feedback.RawItem
	for rows.Next() {
		var (
			item                       feedback.RawItem
			embedding, fields, created string
			rawStatus                  string
		)
		if err := rows.Scan(&item.ID, &item.Agent, &item.Category, &item.AgentVersion, &embedding, &fields, &rawStatus, &created); err != nil {
			return nil, err
		}
		item.Status = feedback.RawStatus(rawStatus)
		if err := json.Unmarshal([]byte(embedding), &item.Embedding); err != nil {
			return nil, fmt.Errorf("decoding embedding of raw item %d: %w", item.ID, err)
		}
		if err := json.Unmarshal([]byte(fields), &item.Fields); err != nil {
			return nil, fmt.Errorf("decoding fields of raw item %d: %w", item.ID, err)
		}
		if item.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// CountRawItemsAfter implements feedback.ItemStore.
func (s *Store) CountRawItemsAfter(ctx context.Context, scope feedback.Scope, afterID int64) (int, error) {
	args := append(scopeArgs(scope), string(feedback.RawActive), afterID)
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM raw_items WHERE `+scopeClause+` AND status = ? AND id > ?`, args...).Scan(&n)
	return n, err
}

// --- Consolidated items ---

const consolidatedColumns = `id, kind, agent, category, agent_version, status, title, content, tags, fields,
	source_ids, embedding, fingerprint, version, previous_id, created_at, updated_at`

// ListConsolidated implements feedback.ConsolidatedStore.
func (s *Store) ListConsolidated(ctx context.Context, kind feedback.Kind, scope feedback.Scope, statuses ...feedback.Status) ([]feedback.ConsolidatedItem, error) {
	query := `SELECT ` + consolidatedColumns + ` FROM consolidated_items WHERE kind = ? AND ` + scopeClause
	args := append([]any{string(kind)}, scopeArgs(scope)...)
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feedback.ConsolidatedItem
	for rows.Next() {
		item, err := scanConsolidated(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func scanConsolidated(rows *sql.Rows) (feedback.ConsolidatedItem, error) {
	var (
		item                               feedback.ConsolidatedItem
		kind, status                       string
		tags, fields, sourceIDs, embedding string
		createdAt, updatedAt               string
	)
	err := rows.Scan(&item.ID, &kind, &item.Scope.Agent, &item.Scope.Category, &item.Scope.AgentVersion,
		&status, &item.Payload.Title, &item.Payload.Content, &tags, &fields,
		&sourceIDs, &embedding, &item.Fingerprint, &item.Version, &item.PreviousID, &createdAt, &updatedAt)
	if err != nil {
		return item, err
	}
	item.Kind = feedback.Kind(kind)
	item.Status = feedback.Status(status)

	for _, f := range []struct {
		raw  string
		dest any
		name string
	}{
		{tags, &item.Payload.Tags, "tags"},
		{fields, &item.Payload.Fields, "fields"},
		{sourceIDs, &item.SourceIDs, "source_ids"},
		{embedding, &item.Embedding, "embedding"},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dest); err != nil {
			return item, fmt.Errorf("decoding %s of item %d: %w", f.name, item.ID, err)
		}
	}

	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return item, err
	}
	if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return item, err
	}
	return item, nil
}

// SaveConsolidated implements feedback.ConsolidatedStore. The batch is
// atomic: either every item is inserted or none is.
func (s *Store) SaveConsolidated(ctx context.Context, items []feedback.ConsolidatedItem) ([]feedback.ConsolidatedItem, error) {
	for i := range items {
		if err := items[i].Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	out := make([]feedback.ConsolidatedItem, len(items))
	for i, item := range items {
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		item.UpdatedAt = now

		tags, err := encodeJSON(item.Payload.Tags)
		if err != nil {
			return nil, fmt.Errorf("encoding tags: %w", err)
		}
		fields, err := encodeJSON(item.Payload.Fields)
		if err != nil {
			return nil, fmt.Errorf("encoding fields: %w", err)
		}
		sourceIDs, err := encodeJSON(item.SourceIDs)
		if err != nil {
			return nil, fmt.Errorf("encoding source ids: %w", err)
		}
		embedding, err := encodeJSON(item.Embedding)
		if err != nil {
			return nil, fmt.Errorf("encoding embedding: %w", err)
		}

		var id any
		if item.ID != 0 {
			id = item.ID
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO consolidated_items (`+consolidatedColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, string(item.Kind), item.Scope.Agent, item.Scope.Category, item.Scope.AgentVersion,
			string(item.Status), item.Payload.Title, item.Payload.Content, tags, fields,
			sourceIDs, embedding, item.Fingerprint, item.Version, item.PreviousID,
			formatTime(item.CreatedAt), formatTime(item.UpdatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("inserting consolidated item: %w", err)
		}
		if item.ID == 0 {
			if item.ID, err = res.LastInsertId(); err != nil {
				return nil, fmt.Errorf("reading consolidated item id: %w", err)
			}
		}
		out[i] = item
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing consolidated items: %w", err)
	}
	return out, nil
}

func affected(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// UpdateStatus implements feedback.ConsolidatedStore.
func (s *Store) UpdateStatus(ctx context.Context, kind feedback.Kind, scope feedback.Scope, from, to feedback.Status) (int, error) {
	if err := to.Validate(); err != nil {
		return 0, err
	}
	args := append([]any{string(to), formatTime(s.now()), string(kind), string(from)}, scopeArgs(scope)...)
	return affected(s.db.ExecContext(ctx, `
		UPDATE consolidated_items SET status = ?, updated_at = ?
		WHERE kind = ? AND status = ? AND `+scopeClause, args...))
}

// UpdateStatusByIDs implements feedback.ConsolidatedStore.
func (s *Store) UpdateStatusByIDs(ctx context.Context, kind feedback.Kind, ids []int64, from, to feedback.Status) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := to.Validate(); err != nil {
		return 0, err
	}
	args := []any{string(to), formatTime(s.now()), string(kind), string(from)}
	for _, id := range ids {
		args = append(args, id)
	}
	return affected(s.db.ExecContext(ctx, `
		UPDATE consolidated_items SET status = ?, updated_at = ?
		WHERE kind = ? AND status = ? AND id IN (`+placeholders(len(ids))+`)`, args...))
}

// DeleteByStatus implements feedback.ConsolidatedStore.
func (s *Store) DeleteByStatus(ctx context.Context, kind feedback.Kind, scope feedback.Scope, status feedback.Status) (int, error) {
	args := append([]any{string(kind), string(status)}, scopeArgs(scope)...)
	return affected(s.db.ExecContext(ctx, `
		DELETE FROM consolidated_items WHERE kind = ? AND status = ? AND `+scopeClause, args...))
}

// DeleteByIDs implements feedback.ConsolidatedStore.
func (s *Store) DeleteByIDs(ctx context.Context, kind feedback.Kind, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{string(kind)}
	for _, id := range ids {
		args = append(args, id)
	}
	return affected(s.db.ExecContext(ctx, `
		DELETE FROM consolidated_items WHERE kind = ? AND id IN (`+placeholders(len(ids))+`)`, args...))
}

// --- Documents ---

// GetDocument implements feedback.DocumentStore.
func (s *Store) GetDocument(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, feedback.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

// PutDocument implements feedback.DocumentStore.
func (s *Store) PutDocument(ctx context.Context, key string, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (key, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		key, body, formatTime(s.now()),
	)
	return err
}

// UpdateDocument implements feedback.DocumentStore.
func (s *Store) UpdateDocument(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var body []byte
	err = tx.QueryRowContext(ctx, `SELECT body FROM documents WHERE key = ?`, key).Scan(&body)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	next, err := fn(body)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (key, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		key, next, formatTime(s.now()),
	); err != nil {
		return err
	}
	return tx.Commit()
}
