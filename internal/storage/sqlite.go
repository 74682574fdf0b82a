package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the offline mutation queue and the
// read cache (datasets and conversation threads).
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "syncd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
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

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
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

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
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

// --- Mutation queue ---

const mutationColumns = "id, owner_id, op_type, payload_json, status, attempts, created_at, updated_at, last_error"

// EnqueueMutation persists a new pending mutation. Timestamps are stored as
// epoch milliseconds; created_at drives replay order.
func (s *Store) EnqueueMutation(m Mutation) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	now := m.CreatedAt.UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO mutations (id, owner_id, op_type, payload_json, status, attempts, created_at, updated_at, last_error)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, '')`,
		m.ID, m.OwnerID, m.OpType, m.PayloadJSON, now, now,
	)
	return err
}

func (s *Store) GetMutation(id string) (Mutation, error) {
	row := s.db.QueryRow("SELECT "+mutationColumns+" FROM mutations WHERE id = ?", id)
	m, err := scanMutation(row)
	if err == sql.ErrNoRows {
		return Mutation{}, ErrNotFound
	}
	return m, err
}

// ListMutations returns every record regardless of status, in insertion order.
func (s *Store) ListMutations() ([]Mutation, error) {
	return s.queryMutations("SELECT " + mutationColumns + " FROM mutations ORDER BY created_at ASC, rowid ASC")
}

// ListPendingMutations returns pending records oldest-first. The rowid
// tiebreak keeps same-millisecond enqueues in insertion order.
func (s *Store) ListPendingMutations() ([]Mutation, error) {
	return s.queryMutations("SELECT " + mutationColumns + " FROM mutations WHERE status = 'pending' ORDER BY created_at ASC, rowid ASC")
}

func (s *Store) ListFailedMutations() ([]Mutation, error) {
	return s.queryMutations("SELECT " + mutationColumns + " FROM mutations WHERE status = 'failed' ORDER BY created_at ASC, rowid ASC")
}

// RemoveMutation deletes the record. Removing a non-existent id is a no-op.
func (s *Store) RemoveMutation(id string) error {
	_, err := s.db.Exec("DELETE FROM mutations WHERE id = ?", id)
	return err
}

// UpdateMutationStatus sets the status and, only on a transition into
// processing, increments attempts first. A missing row is a no-op: the
// record may have been removed by a completed reconciliation step.
func (s *Store) UpdateMutationStatus(id, status string) error {
	now := time.Now().UTC().UnixMilli()
	var err error
	if status == StatusProcessing {
		_, err = s.db.Exec(`UPDATE mutations SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`, status, now, id)
	} else {
		_, err = s.db.Exec(`UPDATE mutations SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	}
	return err
}

// SetMutationError records the most recent dispatch error for diagnostics.
func (s *Store) SetMutationError(id, errMsg string) error {
	_, err := s.db.Exec(`UPDATE mutations SET last_error = ? WHERE id = ?`, errMsg, id)
	return err
}

// ResetFailedMutations re-arms terminal failures: status back to pending,
// attempts back to zero. Returns the number of re-armed records. This is the
// explicit recovery action behind "queue retry"; nothing automatic calls it.
func (s *Store) ResetFailedMutations() (int, error) {
	now := time.Now().UTC().UnixMilli()
	res, err := s.db.Exec(`UPDATE mutations SET status = 'pending', attempts = 0, last_error = '', updated_at = ? WHERE status = 'failed'`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClearMutations removes every queue record (administrative operation).
func (s *Store) ClearMutations() error {
	_, err := s.db.Exec("DELETE FROM mutations")
	return err
}

func (s *Store) CountMutations() (int, error) {
	return s.countWhere("SELECT COUNT(*) FROM mutations")
}

func (s *Store) CountPendingMutations() (int, error) {
	return s.countWhere("SELECT COUNT(*) FROM mutations WHERE status = 'pending'")
}

func (s *Store) CountFailedMutations() (int, error) {
	return s.countWhere("SELECT COUNT(*) FROM mutations WHERE status = 'failed'")
}

func (s *Store) countWhere(query string) (int, error) {
	var n int
	err := s.db.QueryRow(query).Scan(&n)
	return n, err
}

func (s *Store) queryMutations(query string) ([]Mutation, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (Mutation, error) {
	var m Mutation
	var createdAt, updatedAt int64
	err := row.Scan(&m.ID, &m.OwnerID, &m.OpType, &m.PayloadJSON, &m.Status, &m.Attempts, &createdAt, &updatedAt, &m.LastError)
	if err != nil {
		return Mutation{}, err
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return m, nil
}

// --- Read cache ---

// SetDataset overwrites (or creates) the snapshot for key.
func (s *Store) SetDataset(key, dataJSON string) error {
	return s.upsertCache("cached_datasets", "key", key, dataJSON)
}

func (s *Store) GetDataset(key string) (CacheEntry, error) {
	return s.getCache("cached_datasets", "key", key)
}

// ClearDataset removes one dataset entry; a missing key is a no-op.
func (s *Store) ClearDataset(key string) error {
	_, err := s.db.Exec(`DELETE FROM cached_datasets WHERE key = ?`, key)
	return err
}

// ClearDatasets removes every dataset entry.
func (s *Store) ClearDatasets() error {
	_, err := s.db.Exec("DELETE FROM cached_datasets")
	return err
}

// SetThread overwrites (or creates) the cached thread for a conversation.
// Threads live in their own table so their churn doesn't interact with the
// generic dataset cache.
func (s *Store) SetThread(conversationID, dataJSON string) error {
	return s.upsertCache("cached_threads", "conversation_id", conversationID, dataJSON)
}

func (s *Store) GetThread(conversationID string) (CacheEntry, error) {
	return s.getCache("cached_threads", "conversation_id", conversationID)
}

func (s *Store) ClearThread(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM cached_threads WHERE conversation_id = ?`, conversationID)
	return err
}

func (s *Store) ClearThreads() error {
	_, err := s.db.Exec("DELETE FROM cached_threads")
	return err
}

func (s *Store) upsertCache(table, keyCol, key, dataJSON string) error {
	_, err := s.db.Exec(`
		INSERT INTO `+table+` (`+keyCol+`, data_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(`+keyCol+`) DO UPDATE SET data_json = excluded.data_json, updated_at = excluded.updated_at`,
		key, dataJSON, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) getCache(table, keyCol, key string) (CacheEntry, error) {
	var e CacheEntry
	var updatedAt string
	err := s.db.QueryRow(`SELECT `+keyCol+`, data_json, updated_at FROM `+table+` WHERE `+keyCol+` = ?`, key).
		Scan(&e.Key, &e.DataJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	e.UpdatedAt = t
	return e, nil
}
