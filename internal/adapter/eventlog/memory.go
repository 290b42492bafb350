package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hivecore/internal/domain"
)

// MemoryLog is a volatile domain.EventLog used by tests and dev runs.
type MemoryLog struct {
	mu     sync.Mutex
	events []domain.Event
	closed bool
	now    func() time.Time
	fanout fanout
}

// NewMemoryLog creates an empty in-memory event log.
func NewMemoryLog(logger *slog.Logger) *MemoryLog {
	return &MemoryLog{
		now:    func() time.Time { return time.Now().UTC() },
		fanout: fanout{logger: logger},
	}
}

// Append implements domain.EventLog.
func (l *MemoryLog) Append(ctx context.Context, kind domain.EventKind, payload any) (domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, err
	}
	if !kind.IsLogKind() {
		return domain.Event{}, domain.NewSubSystemError(domain.SubSystemEventLog, "MemoryLog.Append", domain.ErrInvalidInput, fmt.Sprintf("unknown event kind %q", kind))
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
	ev := domain.Event{
		Seq:       int64(len(l.events)) + 1,
		Kind:      kind,
		Timestamp: l.now(),
		Payload:   data,
	}
	l.events = append(l.events, ev)
	l.fanout.deliver(ev)
	return ev, nil
}

// ReadAll implements domain.EventLog.
func (l *MemoryLog) ReadAll(ctx context.Context) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Event, len(l.events))
	copy(out, l.events)
	return out, nil
}

// Subscribe implements domain.EventLog.
func (l *MemoryLog) Subscribe(fn func(domain.Event)) func() {
	return l.fanout.subscribe(fn)
}

// Close implements domain.EventLog.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
