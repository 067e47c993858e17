// Package journal keeps a SQLite record of what every shutdown pass did,
// so an operator can reconstruct a power event after the fact.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const TABLE_NAME = "upsmon_events"

// Outcomes recorded for an event.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
	OutcomeDryRun  = "dry-run"
)

type Event struct {
	ID        int64     `db:"id" json:"id" yaml:"id"`
	PassID    string    `db:"pass_id" json:"pass_id" yaml:"pass_id"`
	Timestamp time.Time `db:"timestamp" json:"timestamp" yaml:"timestamp"`
	UPS       string    `db:"ups" json:"ups" yaml:"ups"`
	Endpoint  string    `db:"endpoint" json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Action    string    `db:"action" json:"action" yaml:"action"`
	Target    string    `db:"target" json:"target,omitempty" yaml:"target,omitempty"`
	Outcome   string    `db:"outcome" json:"outcome" yaml:"outcome"`
	Error     string    `db:"error" json:"error,omitempty" yaml:"error,omitempty"`
}

// Recorder is what the orchestrator writes to.
type Recorder interface {
	Record(events ...Event) error
}

type Journal struct {
	db *sqlx.DB
}

// Open creates the database and table at path if they do not exist.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id 			INTEGER PRIMARY KEY AUTOINCREMENT,
		pass_id 	TEXT NOT NULL,
		timestamp 	TIMESTAMP NOT NULL,
		ups 		TEXT,
		endpoint 	TEXT,
		action 		TEXT NOT NULL,
		target 		TEXT,
		outcome 	TEXT NOT NULL,
		error 		TEXT
	);
	`, TABLE_NAME)
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal table: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Record(events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := j.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	sql := fmt.Sprintf(`INSERT INTO %s (pass_id, timestamp, ups, endpoint, action, target, outcome, error)
		VALUES (:pass_id, :timestamp, :ups, :endpoint, :action, :target, :outcome, :error);`, TABLE_NAME)
	for _, e := range events {
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		if _, err := tx.NamedExec(sql, &e); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// List returns the newest events first. limit <= 0 returns everything.
func (j *Journal) List(limit int) ([]Event, error) {
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY id DESC", TABLE_NAME)
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	events := []Event{}
	if err := j.db.Select(&events, query, args...); err != nil {
		return nil, fmt.Errorf("failed to retrieve events: %w", err)
	}
	return events, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
