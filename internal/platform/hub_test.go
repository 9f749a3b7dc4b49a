package platform

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasa-go-home/internal/clock"
	"kasa-go-home/internal/store"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type testHub struct {
	*Hub
	clock *clock.Mock
	store *store.BoltStore
	logs  *syncBuffer
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	mc := clock.NewMock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	h, err := New(st, logger, WithClock(mc))
	require.NoError(t, err)
	return &testHub{Hub: h, clock: mc, store: st, logs: logs}
}

func TestTrackInterval(t *testing.T) {
	h := newTestHub(t)

	var calls atomic.Int32
	cancel := h.TrackInterval("tick", time.Minute, func(context.Context) { calls.Add(1) })

	for i := 1; i <= 3; i++ {
		h.clock.Advance(time.Minute)
		h.BlockTillDone()
		assert.Equal(t, int32(i), calls.Load())
	}

	cancel()
	h.clock.Advance(10 * time.Minute)
	h.BlockTillDone()
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, h.clock.Pending())
}

func TestBackgroundTaskRecoversPanic(t *testing.T) {
	h := newTestHub(t)

	h.BackgroundTask("boom", func(context.Context) { panic("kaboom") })
	h.BlockTillDone()

	assert.Contains(t, h.logs.String(), "background task panic")
}

func TestHubData(t *testing.T) {
	h := newTestHub(t)

	_, ok := h.Data("tplink", "authentication")
	assert.False(t, ok)

	h.SetData("tplink", "authentication", "secret")
	v, ok := h.Data("tplink", "authentication")
	assert.True(t, ok)
	assert.Equal(t, "secret", v)
}

func TestEventBusRecoversPanic(t *testing.T) {
	h := newTestHub(t)

	got := 0
	h.Bus.On("x", func(Event) { panic("bad handler") })
	unsub := h.Bus.OnAll(func(Event) { got++ })

	h.Bus.Emit(Event{Type: "x"})
	unsub()
	h.Bus.Emit(Event{Type: "x"})

	assert.Equal(t, 1, got)
	assert.Contains(t, h.logs.String(), "event handler panic")
}
