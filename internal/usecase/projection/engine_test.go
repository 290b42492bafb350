package projection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivecore/internal/domain"
	"hivecore/internal/usecase/eventbus"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stream builds a gap-free event sequence.
type stream struct {
	t      *testing.T
	events []domain.Event
}

func (s *stream) add(kind domain.EventKind, payload any) domain.Event {
	s.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(s.t, err)
	ev := domain.Event{
		Seq:       int64(len(s.events)) + 1,
		Kind:      kind,
		Timestamp: time.Date(2026, 1, 1, 0, 0, len(s.events), 0, time.UTC),
		Payload:   data,
	}
	s.events = append(s.events, ev)
	return ev
}

// countingHandler applies a single kind and ignores the rest.
type countingHandler struct {
	kinds map[domain.EventKind]bool
	fail  bool
}

func (h countingHandler) Name() string                     { return "counting" }
func (h countingHandler) Initial() *int                    { n := 0; return &n }
func (h countingHandler) Kinds() map[domain.EventKind]bool { return h.kinds }
func (h countingHandler) Clone(s *int) *int                { n := *s; return &n }
func (h countingHandler) Apply(s *int, ev domain.Event) ([]Update, error) {
	if h.fail {
		return nil, errors.New("reducer rejected event")
	}
	*s++
	return []Update{{Type: UpdateTaskRuns, IDs: []string{string(ev.Kind)}}}, nil
}

func allKinds(applies domain.EventKind) map[domain.EventKind]bool {
	m := make(map[domain.EventKind]bool)
	for _, k := range domain.AllEventKinds() {
		m[k] = k == applies
	}
	return m
}

func TestNewEnginePanicsOnMissingKind(t *testing.T) {
	kinds := allKinds(domain.EventTaskRunCreated)
	delete(kinds, domain.EventAgentPoolResized)

	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic for uncovered kind")
		assert.Contains(t, r.(string), string(domain.EventAgentPoolResized))
	}()
	NewEngine[*int](countingHandler{kinds: kinds})
}

func TestNewEnginePanicsOnForeignKind(t *testing.T) {
	kinds := allKinds(domain.EventTaskRunCreated)
	kinds[domain.EventProjectionUpdated] = true

	assert.Panics(t, func() { NewEngine[*int](countingHandler{kinds: kinds}) })
}

func TestConcreteHandlersCoverEveryKind(t *testing.T) {
	assert.NotPanics(t, func() { NewAgentEngine() })
	assert.NotPanics(t, func() { NewTaskEngine() })
}

func TestEngineAppliesAndIgnores(t *testing.T) {
	e := NewEngine[*int](countingHandler{kinds: allKinds(domain.EventTaskRunCreated)}, WithLogger(newTestLogger()))
	s := &stream{t: t}

	var got []Update
	e.Subscribe(func(u Update) { got = append(got, u) })

	require.NoError(t, e.ProcessStateUpdate(s.add(domain.EventTaskRunCreated, struct{}{})))
	require.NoError(t, e.ProcessStateUpdate(s.add(domain.EventAgentReleased, struct{}{})))
	require.NoError(t, e.ProcessStateUpdate(s.add(domain.EventTaskRunCreated, struct{}{})))

	assert.Equal(t, 2, *e.State())
	assert.Equal(t, int64(3), e.LastSeq())
	require.Len(t, got, 2)
	assert.Equal(t, "counting", got[0].Projection)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, int64(3), got[1].Seq)
}

func TestEngineHaltsOnGap(t *testing.T) {
	e := NewEngine[*int](countingHandler{kinds: allKinds(domain.EventTaskRunCreated)}, WithLogger(newTestLogger()))
	s := &stream{t: t}
	s.add(domain.EventTaskRunCreated, struct{}{})
	second := s.add(domain.EventTaskRunCreated, struct{}{})

	err := e.ProcessStateUpdate(second)
	require.ErrorIs(t, err, domain.ErrReplayCorruption)
	assert.ErrorIs(t, e.Err(), domain.ErrReplayCorruption)

	// Halted engines reject everything until reset.
	assert.ErrorIs(t, e.ProcessStateUpdate(s.events[0]), domain.ErrReplayCorruption)

	e.Reset()
	assert.NoError(t, e.Err())
	assert.NoError(t, e.ProcessStateUpdate(s.events[0]))
}

func TestEngineHaltsOnReducerError(t *testing.T) {
	e := NewEngine[*int](countingHandler{kinds: allKinds(domain.EventTaskRunCreated), fail: true}, WithLogger(newTestLogger()))
	s := &stream{t: t}

	notified := false
	e.Subscribe(func(Update) { notified = true })

	err := e.Replay([]domain.Event{s.add(domain.EventTaskRunCreated, struct{}{}), s.add(domain.EventTaskRunCreated, struct{}{})})
	require.ErrorIs(t, err, domain.ErrReplayCorruption)
	assert.Equal(t, domain.CodeReplayCorruption, domain.ErrorCodeOf(err))
	assert.Equal(t, int64(0), e.LastSeq())
	assert.False(t, notified)
}

func TestEngineRejectsUnknownKind(t *testing.T) {
	e := NewEngine[*int](countingHandler{kinds: allKinds(domain.EventTaskRunCreated)}, WithLogger(newTestLogger()))
	err := e.ProcessStateUpdate(domain.Event{Seq: 1, Kind: "task_run.exploded"})
	assert.ErrorIs(t, err, domain.ErrReplayCorruption)
}

func TestEnginePublishesOnBus(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	e := NewEngine[*int](countingHandler{kinds: allKinds(domain.EventTaskRunCreated)}, WithLogger(newTestLogger()), WithBus(bus))

	var mu sync.Mutex
	var got []Update
	bus.Subscribe(domain.EventProjectionUpdated, func(_ context.Context, ev domain.Event) {
		var u Update
		if err := json.Unmarshal(ev.Payload, &u); err != nil {
			t.Errorf("unmarshal: %v", err)
			return
		}
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})

	s := &stream{t: t}
	require.NoError(t, e.ProcessStateUpdate(s.add(domain.EventTaskRunCreated, struct{}{})))
	bus.Close()

	require.Len(t, got, 1)
	assert.Equal(t, UpdateTaskRuns, got[0].Type)
	assert.Equal(t, "counting", got[0].Projection)
}

func TestStateIsACopy(t *testing.T) {
	e := NewAgentEngine(WithLogger(newTestLogger()))
	s := &stream{t: t}
	require.NoError(t, e.ProcessStateUpdate(s.add(domain.EventAgentConfigCreated, domain.AgentConfigPayload{Config: writerConfig(1, 2)})))

	snap := e.State()
	delete(snap.Configs, writerKey)
	assert.Len(t, e.State().Configs, 1)
}

func TestReplayDeterminism(t *testing.T) {
	s := fullStream(t)

	agentsA, agentsB := NewAgentEngine(WithLogger(newTestLogger())), NewAgentEngine(WithLogger(newTestLogger()))
	tasksA, tasksB := NewTaskEngine(WithLogger(newTestLogger())), NewTaskEngine(WithLogger(newTestLogger()))

	require.NoError(t, agentsA.Replay(s.events))
	require.NoError(t, tasksA.Replay(s.events))
	for _, ev := range s.events {
		require.NoError(t, agentsB.ProcessStateUpdate(ev))
		require.NoError(t, tasksB.ProcessStateUpdate(ev))
	}

	if !reflect.DeepEqual(agentsA.State(), agentsB.State()) {
		t.Error("agent projections diverged")
	}
	if !reflect.DeepEqual(tasksA.State(), tasksB.State()) {
		t.Error("task projections diverged")
	}

	// Replaying again into a used engine yields the same view.
	require.NoError(t, agentsA.Replay(s.events))
	assert.True(t, reflect.DeepEqual(agentsA.State(), agentsB.State()))
}
