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

// Store wraps a SQLite database holding the saga journal and archive index.
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
		dsn = filepath.Join(dataDir, "fleetctl.db")
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

// timeLayout keeps fractional seconds at a fixed width so stored
// timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Sagas ---

// SaveSaga inserts or replaces the journal row for s.ID.
func (s *Store) SaveSaga(sg Saga) error {
	_, err := s.db.Exec(`
		INSERT INTO sagas (id, bot_id, container, phase, skip_order_cancellation, archive_target, archive_bucket, exclusion_held, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			exclusion_held = excluded.exclusion_held,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		sg.ID, sg.BotID, sg.Container, sg.Phase, boolInt(sg.SkipOrderCancellation),
		sg.ArchiveTarget, sg.ArchiveBucket, boolInt(sg.ExclusionHeld), sg.Error,
		formatTime(sg.CreatedAt), formatTime(sg.UpdatedAt),
	)
	return err
}

// AppendSagaEvent journals a phase transition.
func (s *Store) AppendSagaEvent(ev SagaEvent) error {
	_, err := s.db.Exec(`INSERT INTO saga_events (saga_id, phase, detail, created_at) VALUES (?, ?, ?, ?)`,
		ev.SagaID, ev.Phase, ev.Detail, formatTime(ev.CreatedAt))
	return err
}

const sagaColumns = `id, bot_id, container, phase, skip_order_cancellation, archive_target, archive_bucket, exclusion_held, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaga(row rowScanner) (Saga, error) {
	var sg Saga
	var skip, held int
	var createdAt, updatedAt string
	if err := row.Scan(&sg.ID, &sg.BotID, &sg.Container, &sg.Phase, &skip, &sg.ArchiveTarget,
		&sg.ArchiveBucket, &held, &sg.Error, &createdAt, &updatedAt); err != nil {
		return Saga{}, err
	}
	sg.SkipOrderCancellation = skip != 0
	sg.ExclusionHeld = held != 0

	var err error
	if sg.CreatedAt, err = parseTime(createdAt); err != nil {
		return Saga{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Saga{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sg, nil
}

func (s *Store) GetSaga(id string) (Saga, error) {
	sg, err := scanSaga(s.db.QueryRow(`SELECT `+sagaColumns+` FROM sagas WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Saga{}, ErrNotFound
	}
	return sg, err
}

func (s *Store) querySagas(query string, args ...any) ([]Saga, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Saga
	for rows.Next() {
		sg, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sg)
	}
	return results, rows.Err()
}

// ListSagas returns the most recent sagas first.
func (s *Store) ListSagas(limit int) ([]Saga, error) {
	return s.querySagas(`SELECT `+sagaColumns+` FROM sagas ORDER BY created_at DESC LIMIT ?`, limit)
}

// HeldSagas returns sagas whose bot is still excluded from the fleet:
// runs that never reached a terminal phase and aborted runs that kept
// the exclusion.
func (s *Store) HeldSagas() ([]Saga, error) {
	return s.querySagas(`SELECT `+sagaColumns+` FROM sagas
		WHERE exclusion_held = 1 AND phase != 'done'
		ORDER BY created_at ASC`)
}

// ReleaseSagas clears the held exclusion on every saga for botID and
// returns how many rows changed.
func (s *Store) ReleaseSagas(botID string) (int64, error) {
	res, err := s.db.Exec(`UPDATE sagas SET exclusion_held = 0, updated_at = ? WHERE bot_id = ? AND exclusion_held = 1`,
		formatTime(time.Now()), botID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SagaEvents returns the journaled transitions of sagaID in order.
func (s *Store) SagaEvents(sagaID string) ([]SagaEvent, error) {
	rows, err := s.db.Query(`SELECT saga_id, phase, detail, created_at FROM saga_events WHERE saga_id = ? ORDER BY id ASC`, sagaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SagaEvent
	for rows.Next() {
		var ev SagaEvent
		var createdAt string
		if err := rows.Scan(&ev.SagaID, &ev.Phase, &ev.Detail, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		ev.CreatedAt = t
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Archives ---

func (s *Store) RecordArchive(a Archive) error {
	_, err := s.db.Exec(`
		INSERT INTO archives (id, saga_id, bot_id, target, location, size_bytes, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SagaID, a.BotID, a.Target, a.Location, a.SizeBytes, boolInt(a.Success), a.Error, formatTime(a.CreatedAt),
	)
	return err
}

// ListArchives returns archive attempts, newest first. An empty botID
// lists every bot.
func (s *Store) ListArchives(botID string, limit int) ([]Archive, error) {
	query := `SELECT id, saga_id, bot_id, target, location, size_bytes, success, error, created_at FROM archives`
	args := []any{}
	if botID != "" {
		query += ` WHERE bot_id = ?`
		args = append(args, botID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Archive
	for rows.Next() {
		var a Archive
		var success int
		var createdAt string
		if err := rows.Scan(&a.ID, &a.SagaID, &a.BotID, &a.Target, &a.Location, &a.SizeBytes, &success, &a.Error, &createdAt); err != nil {
			return nil, err
		}
		a.Success = success != 0
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		a.CreatedAt = t
		results = append(results, a)
	}
	return results, rows.Err()
}
