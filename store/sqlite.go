package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/offchat/offchat/store/migrations"
)

// SQLiteAdapter is a durable Adapter backed by a single-table SQLite
// database. A non-zero QuotaBytes caps the sum of stored value sizes; writes
// beyond it fail with ErrQuotaExceeded.
type SQLiteAdapter struct {
	db         *sql.DB
	QuotaBytes int64
}

// OpenSQLite opens (or creates) the state database at path with WAL mode and
// runs pending migrations.
func OpenSQLite(path string) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	a := &SQLiteAdapter{db: db}
	if err := a.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *SQLiteAdapter) migrate() error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(a.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (a *SQLiteAdapter) Close() error {
	return a.db.Close()
}

func (a *SQLiteAdapter) Get(key string) (string, bool, error) {
	var value string
	err := a.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (a *SQLiteAdapter) Set(key, value string) error {
	if a.QuotaBytes > 0 {
		var others int64
		err := a.db.QueryRow(
			`SELECT COALESCE(SUM(LENGTH(value)), 0) FROM kv WHERE key != ?`, key).Scan(&others)
		if err != nil {
			return err
		}
		if others+int64(len(value)) > a.QuotaBytes {
			return fmt.Errorf("set %s: %w", key, ErrQuotaExceeded)
		}
	}
	_, err := a.db.Exec(`
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

func (a *SQLiteAdapter) Remove(key string) error {
	_, err := a.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}
