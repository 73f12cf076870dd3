package db

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const currentSchemaVersion = 4

type DB struct {
	conn *sql.DB
	path string
}

type migrationError struct {
	backupPath string
	cause      error
}

func (e *migrationError) Error() string {
	return e.cause.Error()
}

func (e *migrationError) Unwrap() error {
	return e.cause
}

func NewSQLiteDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "lunchrun.db")
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// A single writer connection keeps SQLite from returning SQLITE_BUSY on
	// read-to-write lock upgrades. Callers must not query through Conn()
	// while holding a transaction on the same goroutine.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	database := &DB{conn: conn, path: dbPath}
	if err := database.initSchema(); err != nil {
		_ = conn.Close()

		var migrateErr *migrationError
		if errors.As(err, &migrateErr) && migrateErr.backupPath != "" {
			if rollbackErr := restoreFromBackup(migrateErr.backupPath, dbPath); rollbackErr != nil {
				return nil, fmt.Errorf("failed to init schema: %w; rollback from %s also failed: %v", migrateErr.cause, migrateErr.backupPath, rollbackErr)
			}
			return nil, fmt.Errorf("failed to init schema (rolled back from %s): %w", migrateErr.backupPath, migrateErr.cause)
		}
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return database, nil
}

func (d *DB) initSchema() error {
	// The backup copies the file before the migration transaction opens,
	// because the single connection cannot checkpoint inside a transaction.
	version, err := d.peekSchemaVersion()
	if err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("db schema version %d is newer than runtime version %d", version, currentSchemaVersion)
	}

	var backupPath string
	if version > 0 && version < currentSchemaVersion {
		backupPath, err = d.createMigrationBackup()
		if err != nil {
			return fmt.Errorf("create migration backup: %w", err)
		}
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyMigrations(tx, version); err != nil {
		if backupPath != "" {
			return &migrationError{backupPath: backupPath, cause: err}
		}
		return err
	}

	return tx.Commit()
}

func (d *DB) peekSchemaVersion() (int, error) {
	if _, err := d.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return 0, err
	}
	var versionText string
	err := d.conn.QueryRow(`SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&versionText)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	version, parseErr := strconv.Atoi(versionText)
	if parseErr != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", versionText, parseErr)
	}
	if version < 0 {
		return 0, fmt.Errorf("invalid schema version %d", version)
	}
	return version, nil
}

func applyMigrations(tx *sql.Tx, version int) error {
	for version < currentSchemaVersion {
		nextVersion, err := applyNextMigration(tx, version)
		if err != nil {
			return err
		}
		if err := writeSchemaVersion(tx, nextVersion); err != nil {
			return err
		}
		version = nextVersion
	}
	return nil
}

func applyNextMigration(tx *sql.Tx, version int) (int, error) {
	switch version {
	case 0:
		if err := migrateToConversationSchema(tx); err != nil {
			return version, fmt.Errorf("migrate schema 0 -> 1: %w", err)
		}
		return 1, nil
	case 1:
		if err := migrateToScheduledTasks(tx); err != nil {
			return version, fmt.Errorf("migrate schema 1 -> 2: %w", err)
		}
		return 2, nil
	case 2:
		if err := migrateToTaskReminders(tx); err != nil {
			return version, fmt.Errorf("migrate schema 2 -> 3: %w", err)
		}
		return 3, nil
	case 3:
		if err := migrateToSearchKey(tx); err != nil {
			return version, fmt.Errorf("migrate schema 3 -> 4: %w", err)
		}
		return 4, nil
	default:
		return version, fmt.Errorf("unsupported schema migration source version %d", version)
	}
}

func migrateToConversationSchema(tx *sql.Tx) error {
	createConversations := `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	slots_json TEXT NOT NULL,
	search_results_json TEXT,
	artifact_primary_url TEXT,
	artifact_secondary_url TEXT,
	scheduled INTEGER NOT NULL DEFAULT 0,
	scheduled_task_id TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`
	if _, err := tx.Exec(createConversations); err != nil {
		return err
	}

	createMessages := `
CREATE TABLE IF NOT EXISTS conversation_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);`
	if _, err := tx.Exec(createMessages); err != nil {
		return err
	}

	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv ON conversation_messages(conversation_id, id ASC)`); err != nil {
		return err
	}
	return nil
}

func migrateToScheduledTasks(tx *sql.Tx) error {
	createTasks := `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id TEXT PRIMARY KEY,
	conversation_id TEXT,
	execute_at INTEGER NOT NULL,
	payload_json TEXT NOT NULL,
	status TEXT NOT NULL,
	result_code TEXT,
	attempt INTEGER NOT NULL DEFAULT 0,
	claimed_at INTEGER,
	claim_owner TEXT,
	last_error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`
	if _, err := tx.Exec(createTasks); err != nil {
		return err
	}

	createRuns := `
CREATE TABLE IF NOT EXISTS task_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	result_code TEXT NOT NULL,
	error TEXT,
	run_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);`
	if _, err := tx.Exec(createRuns); err != nil {
		return err
	}

	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_status_execute ON scheduled_tasks(status, execute_at)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_task_runs_task_run_at ON task_runs(task_id, run_at DESC)`); err != nil {
		return err
	}
	return nil
}

func migrateToTaskReminders(tx *sql.Tx) error {
	if _, err := tx.Exec(`ALTER TABLE scheduled_tasks ADD COLUMN reminded_at INTEGER`); err != nil {
		return err
	}
	return nil
}

// migrateToSearchKey records which location and food category the stored
// search results belong to. Existing rows get an empty key and search again.
func migrateToSearchKey(tx *sql.Tx) error {
	_, err := tx.Exec(`ALTER TABLE conversations ADD COLUMN search_key TEXT NOT NULL DEFAULT ''`)
	return err
}

func writeSchemaVersion(tx *sql.Tx, version int) error {
	if _, err := tx.Exec(`
INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(version)); err != nil {
		return err
	}
	return nil
}

func (d *DB) createMigrationBackup() (string, error) {
	if _, err := d.conn.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return "", fmt.Errorf("checkpoint wal: %w", err)
	}

	backupPath := fmt.Sprintf("%s.migration-%d.bak", d.path, time.Now().Unix())
	if err := copyFile(d.path, backupPath); err != nil {
		return "", err
	}
	return backupPath, nil
}

func restoreFromBackup(backupPath, dbPath string) error {
	if err := copyFile(backupPath, dbPath); err != nil {
		return err
	}
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return nil
}

func copyFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer target.Close()

	if _, err := io.Copy(target, source); err != nil {
		return err
	}
	return target.Sync()
}

func (d *DB) Conn() *sql.DB {
	return d.conn
}

func (d *DB) Path() string {
	return d.path
}

func (d *DB) Close() error {
	return d.conn.Close()
}
