// Package dbutil provides the shared sqlite open-and-migrate helper used by
// every store package. Each domain owns its own database file; this package
// only standardizes how those files are opened and evolved.
package dbutil

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Migration is one ordered, idempotent schema step.
type Migration struct {
	Version int
	Apply   func(*sql.Tx) error
}

// Open opens (creating if necessary) a sqlite database file in WAL mode
// with a busy timeout, and runs the given migrations in order, each
// tracked in a schema_version table so re-application is a no-op.
func Open(path string, migrations []Migration) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db, migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite %s: %w", path, err)
	}

	return db, nil
}

func migrate(db *sql.DB, migrations []Migration) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.Version, err)
		}
		if err := m.Apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// HasColumn reports whether table has the given column, for migrations
// that must guard an ALTER TABLE ADD COLUMN against re-application.
func HasColumn(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("reading table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, fmt.Errorf("scanning table_info(%s): %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// EnsureColumn adds column to table with the given type if it is not
// already present. Used by migrations that need to be safely re-runnable.
func EnsureColumn(tx *sql.Tx, table, column, ddlType string) error {
	has, err := HasColumn(tx, table, column)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, ddlType))
	if err != nil {
		return fmt.Errorf("adding column %s.%s: %w", table, column, err)
	}
	return nil
}
