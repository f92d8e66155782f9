package resumability

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory StorageBackend used only to exercise Session
// logic in isolation from any real backend's wire format.
type memBackend struct {
	mu        sync.Mutex
	states    map[string]State
	deltas    map[string][]StateDelta
	snapshots map[string]struct {
		state State
		seq   uint64
	}
}

func newMemBackend() *memBackend {
	return &memBackend{
		states: map[string]State{},
		deltas: map[string][]StateDelta{},
		snapshots: map[string]struct {
			state State
			seq   uint64
		}{},
	}
}

func (b *memBackend) Initialize(context.Context) error { return nil }
func (b *memBackend) Cleanup(context.Context) error     { return nil }
func (b *memBackend) Capabilities() Capabilities {
	return Capabilities{SupportsDelta: true, SupportsSnapshot: true}
}

func (b *memBackend) SaveState(_ context.Context, key string, state State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[key] = state
	return nil
}

func (b *memBackend) LoadState(_ context.Context, key string) (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[key], nil
}

func (b *memBackend) DeleteState(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, key)
	delete(b.deltas, key)
	delete(b.snapshots, key)
	return nil
}

func (b *memBackend) SaveDelta(_ context.Context, d StateDelta) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deltas[d.SessionID] = append(b.deltas[d.SessionID], d)
	return nil
}

func (b *memBackend) SaveDeltas(_ context.Context, ds []StateDelta) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range ds {
		b.deltas[d.SessionID] = append(b.deltas[d.SessionID], d)
	}
	return nil
}

func (b *memBackend) LoadDeltas(_ context.Context, key string, fromSeq uint64) ([]StateDelta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []StateDelta
	for _, d := range b.deltas[key] {
		if d.Sequence > fromSeq {
			out = append(out, d)
		}
	}
	return out, nil
}

func (b *memBackend) SaveSnapshot(_ context.Context, key string, state State, seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[key] = struct {
		state State
		seq   uint64
	}{state, seq}
	return nil
}

func (b *memBackend) LoadLatestSnapshot(_ context.Context, key string) (State, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.snapshots[key]
	if !ok {
		return State{}, 0, nil
	}
	return snap.state, snap.seq, nil
}

func (b *memBackend) CompactDeltas(_ context.Context, key string, beforeSeq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var kept []StateDelta
	for _, d := range b.deltas[key] {
		if d.Sequence > beforeSeq {
			kept = append(kept, d)
		}
	}
	b.deltas[key] = kept
	return nil
}

func (b *memBackend) ListSessions(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for k := range b.states {
		out = append(out, k)
	}
	return out, nil
}

func TestRecordDeltaAssignsMonotonicSequence(t *testing.T) {
	backend := newMemBackend()
	sess := NewSession(backend, WithStrategy(StrategyDelta))
	ctx := context.Background()

	require.NoError(t, sess.RecordDelta(ctx, StateDelta{Kind: DeltaEnqueue, Domain: "a.com", URL: "https://a.com/1"}))
	require.NoError(t, sess.RecordDelta(ctx, StateDelta{Kind: DeltaEnqueue, Domain: "a.com", URL: "https://a.com/2"}))

	deltas, err := backend.LoadDeltas(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, uint64(1), deltas[0].Sequence)
	assert.Equal(t, uint64(2), deltas[1].Sequence)
}

func TestCheckpointSnapshotsAndCompacts(t *testing.T) {
	backend := newMemBackend()
	sess := NewSession(backend, WithStrategy(StrategyHybrid))
	ctx := context.Background()

	require.NoError(t, sess.RecordDelta(ctx, StateDelta{Kind: DeltaEnqueue, Domain: "a.com", URL: "https://a.com/1"}))
	require.NoError(t, sess.RecordDelta(ctx, StateDelta{Kind: DeltaPageComplete, Domain: "a.com", URL: "https://a.com/1"}))

	require.NoError(t, sess.Checkpoint(ctx, State{Seeds: []string{"https://a.com/1"}}))

	deltas, err := backend.LoadDeltas(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, deltas, "compaction should drop deltas at or before the snapshot sequence")

	state, seq, err := backend.LoadLatestSnapshot(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, []string{"https://a.com/1"}, state.Seeds)
}

func TestResumeReplaysDeltasAfterSnapshot(t *testing.T) {
	backend := newMemBackend()
	ctx := context.Background()
	sess := NewSession(backend, WithStrategy(StrategyHybrid))

	require.NoError(t, sess.RecordDelta(ctx, StateDelta{Kind: DeltaEnqueue, Domain: "a.com", URL: "https://a.com/1"}))
	require.NoError(t, sess.Checkpoint(ctx, State{Frontier: map[string][]string{"a.com": {"https://a.com/1"}}, Seen: []string{"https://a.com/1"}}))
	require.NoError(t, sess.RecordDelta(ctx, StateDelta{Kind: DeltaEnqueue, Domain: "a.com", URL: "https://a.com/2"}))
	require.NoError(t, sess.RecordDelta(ctx, StateDelta{Kind: DeltaPageComplete, URL: "https://a.com/1"}))

	resumed, state, err := Resume(ctx, backend, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, resumed.ID)
	assert.ElementsMatch(t, []string{"https://a.com/1", "https://a.com/2"}, state.Frontier["a.com"])
	assert.Equal(t, 1, state.PagesDone)
	assert.Equal(t, uint64(3), state.Sequence)
}

func TestResumeWithNoSnapshotAppliesAllDeltas(t *testing.T) {
	backend := newMemBackend()
	ctx := context.Background()
	sess := NewSession(backend, WithStrategy(StrategyDelta))

	require.NoError(t, sess.RecordDelta(ctx, StateDelta{Kind: DeltaEnqueue, Domain: "b.com", URL: "https://b.com/x"}))

	_, state, err := Resume(ctx, backend, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://b.com/x"}, state.Frontier["b.com"])
}

func TestCloseDeletesState(t *testing.T) {
	backend := newMemBackend()
	ctx := context.Background()
	sess := NewSession(backend)
	require.NoError(t, sess.Checkpoint(ctx, State{}))
	require.NoError(t, sess.Close(ctx))

	_, seq, err := backend.LoadLatestSnapshot(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
}
