package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"hivecore/internal/domain"
)

// SQLiteLog implements domain.EventLog on a single append-only SQLite table.
type SQLiteLog struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	now    func() time.Time
	fanout fanout
}

// NewSQLiteLog opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteLog(dbPath string, logger *slog.Logger) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event log db: %w", err)
	}
	// A single writer keeps seq assignment and subscriber delivery in one order.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event log db: %w", err)
	}
	return &SQLiteLog{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		fanout: fanout{logger: logger},
	}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			kind        TEXT NOT NULL,
			payload     TEXT NOT NULL,
			occurred_at TEXT NOT NULL
		)
	`)
	return err
}

// Append implements domain.EventLog.
func (l *SQLiteLog) Append(ctx context.Context, kind domain.EventKind, payload any) (domain.Event, error) {
	if !kind.IsLogKind() {
		return domain.Event{}, domain.NewSubSystemError(domain.SubSystemEventLog, "SQLiteLog.Append", domain.ErrInvalidInput, fmt.Sprintf("unknown event kind %q", kind))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return domain.Event{}, domain.ErrEventLogClosed
	}

	now := l.now()
	res, err := l.db.ExecContext(ctx,
		"INSERT INTO events (kind, payload, occurred_at) VALUES (?, ?, ?)",
		string(kind), string(data), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, fmt.Errorf("event seq: %w", err)
	}

	ev := domain.Event{Seq: seq, Kind: kind, Timestamp: now, Payload: data}
	l.fanout.deliver(ev)
	return ev, nil
}

// ReadAll implements domain.EventLog.
func (l *SQLiteLog) ReadAll(ctx context.Context) ([]domain.Event, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT seq, kind, payload, occurred_at FROM events ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			ev         domain.Event
			kind       string
			payload    string
			occurredAt string
		)
		if err := rows.Scan(&ev.Seq, &kind, &payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parse event %d timestamp: %w", ev.Seq, err)
		}
		ev.Kind = domain.EventKind(kind)
		ev.Payload = json.RawMessage(payload)
		ev.Timestamp = ts
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Subscribe implements domain.EventLog.
func (l *SQLiteLog) Subscribe(fn func(domain.Event)) func() {
	return l.fanout.subscribe(fn)
}

// Close closes the underlying database connection.
func (l *SQLiteLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
