// Package storage keeps the call ledger: an append-only log of session and
// broker events per appointment, in SQLite or Postgres.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps the ledger database.
type DB struct {
	db     *sql.DB
	driver string
	mu     sync.RWMutex
}

// Open opens (or creates) the ledger. For sqlite dsn is a file path whose
// directory is created if needed; for postgres it is a connection string.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// single writer; WAL lets the broker and a participant share one file
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("configure database: %w", err)
			}
		}
	} else if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	d := &DB{db: db, driver: driver}
	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Infof("ledger open (%s)", driver)
	return d, nil
}

var schema = map[string]string{
	DriverSQLite: `CREATE TABLE IF NOT EXISTS call_events (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		appointment_id TEXT NOT NULL DEFAULT '',
		peer           TEXT NOT NULL DEFAULT '',
		kind           TEXT NOT NULL,
		detail         TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL
	)`,
	DriverPostgres: `CREATE TABLE IF NOT EXISTS call_events (
		id             BIGSERIAL PRIMARY KEY,
		appointment_id TEXT NOT NULL DEFAULT '',
		peer           TEXT NOT NULL DEFAULT '',
		kind           TEXT NOT NULL,
		detail         TEXT NOT NULL DEFAULT '',
		created_at     BIGINT NOT NULL
	)`,
}

const indexSQL = `CREATE INDEX IF NOT EXISTS call_events_appointment
	ON call_events (appointment_id, id)`

func (d *DB) migrate(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.ExecContext(ctx, schema[d.driver]); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx, indexSQL)
	return err
}

// rebind rewrites '?' placeholders to $n for postgres.
func (d *DB) rebind(q string) string {
	if d.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (d *DB) Driver() string { return d.driver }

func (d *DB) Close() error {
	return d.db.Close()
}
