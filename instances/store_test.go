package instances

import (
	"context"
	"sync"
	"testing"

	"etserver/models"
	"etserver/pubsub"
	"etserver/stash"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingBus struct {
	mu     sync.Mutex
	events map[string][]interface{}
}

func newRecordingBus() *recordingBus {
	return &recordingBus{events: make(map[string][]interface{})}
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[channel] = append(b.events[channel], payload)
	return nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(stash.NewMemory(), zap.NewNop())
}

func TestStoreSaveAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inst := &models.Instance{
		ID:    "i1",
		EID:   7,
		Users: []models.Participant{{UID: 5, GUID: "g1"}},
		State: models.StateComplete,
	}
	require.NoError(t, s.Save(ctx, inst))

	got, err := s.Get(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, inst.EID, got.EID)
	assert.Equal(t, models.StateComplete, got.State)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, stash.ErrNotFound)
}

func TestStoreSetStartedAndEnded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inst := &models.Instance{ID: "i1", EID: 7, State: models.StateComplete}
	require.NoError(t, s.Save(ctx, inst))

	require.NoError(t, s.SetStarted(ctx, inst, true))
	assert.True(t, inst.Started())

	got, err := s.Get(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.StateStarted, got.State)

	require.NoError(t, s.SetEnded(ctx, inst, true))
	assert.True(t, inst.Ended())

	// The flags are monotonic; clearing is refused.
	assert.Error(t, s.SetStarted(ctx, inst, false))
	assert.Error(t, s.SetEnded(ctx, inst, false))
}

func TestStoreAdvanceIsIdempotentPerState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inst := &models.Instance{ID: "i1", EID: 7, State: models.StateStarted}
	require.NoError(t, s.Save(ctx, inst))

	// Two disconnects racing to abort: the second is a no-op, not an error.
	_, err := s.Advance(ctx, "i1", models.StateAborted)
	require.NoError(t, err)
	_, err = s.Advance(ctx, "i1", models.StateAborted)
	require.NoError(t, err)

	// A stale writer cannot revive the instance.
	_, err = s.Advance(ctx, "i1", models.StateStarted)
	assert.Error(t, err)
}

func TestCloseHungedMarksNonTerminalInstances(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bus := newRecordingBus()

	open := &models.Instance{ID: "open", EID: 7, Users: []models.Participant{{UID: 5, GUID: "g1"}}, State: models.StateStarted}
	done := &models.Instance{ID: "done", EID: 7, State: models.StateEnded}
	require.NoError(t, s.Save(ctx, open))
	require.NoError(t, s.Save(ctx, done))

	require.NoError(t, CloseHunged(ctx, s, bus, zap.NewNop()))

	got, err := s.Get(ctx, "open")
	require.NoError(t, err)
	assert.Equal(t, models.StateHunged, got.State)
	assert.True(t, got.Ended())

	got, err = s.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, models.StateEnded, got.State, "terminal instances are untouched")

	events := bus.events[pubsub.ChannelInstanceHunged]
	require.Len(t, events, 1, "exactly one hunged event per repaired instance")
	ev := events[0].(models.Event)
	assert.Equal(t, "open", ev.IID)
	assert.Equal(t, int64(7), ev.EID)
}

func TestCloseHungedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bus := newRecordingBus()

	open := &models.Instance{ID: "open", EID: 7, State: models.StateComplete}
	require.NoError(t, s.Save(ctx, open))

	require.NoError(t, CloseHunged(ctx, s, bus, zap.NewNop()))
	require.NoError(t, CloseHunged(ctx, s, bus, zap.NewNop()))

	assert.Len(t, bus.events[pubsub.ChannelInstanceHunged], 1)
}
