package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/dapvisor/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS supervisor_history(
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			pid INTEGER NOT NULL,
			config TEXT,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_supervisor_history_run ON supervisor_history(run_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO supervisor_history(id, run_id, occurred_at, event, pid, config, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.ID, e.RunID, e.OccurredAt.UTC(), string(e.Type), e.PID, e.Config, e.Detail)
	return err
}

// Events returns stored events of a run in insertion order.
func (s *Sink) Events(ctx context.Context, runID string) ([]history.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, occurred_at, event, pid, config, detail
		FROM supervisor_history WHERE run_id = ? ORDER BY rowid;`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var (
			e              history.Event
			typ            string
			config, detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.OccurredAt, &typ, &e.PID, &config, &detail); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.Config = config.String
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
