// Package resumability implements sessions, tagged state deltas, and the
// StorageBackend contract that the full-state, delta, and hybrid
// persistence strategies are built on, with fsbackend, kvbackend and
// sqlbackend as pluggable implementations.
package resumability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeltaKind tags the event a StateDelta records.
type DeltaKind int

const (
	DeltaEnqueue DeltaKind = iota
	DeltaDequeueStart
	DeltaPageComplete
	DeltaPageFailed
	DeltaQuotaReached
	DeltaRobotsUpdated
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaEnqueue:
		return "enqueue"
	case DeltaDequeueStart:
		return "dequeue_start"
	case DeltaPageComplete:
		return "page_complete"
	case DeltaPageFailed:
		return "page_failed"
	case DeltaQuotaReached:
		return "quota_reached"
	case DeltaRobotsUpdated:
		return "robots_updated"
	default:
		return "unknown"
	}
}

// StateDelta is one incremental, ordered mutation to a session's state.
type StateDelta struct {
	SessionID string
	Sequence  uint64
	Kind      DeltaKind
	URL       string
	Depth     int
	Domain    string
	At        time.Time
	// Payload carries kind-specific data (e.g. discovered links for
	// DeltaPageComplete, an error string for DeltaPageFailed) without
	// forcing every backend to know every kind's Go type.
	Payload map[string]string
}

// State is the full, checkpointable state of one crawl session: enough to
// rebuild the Frontier and global counters on resume.
type State struct {
	SessionID   string
	Sequence    uint64
	Seeds       []string
	MaxPages    int
	MaxDepth    int
	PagesDone   int
	Frontier    map[string][]string // domain -> queued URLs, FIFO order
	Seen        []string            // every URL ever offered, for dedup rehydration
	UpdatedAt   time.Time
}

// Capabilities advertises what a StorageBackend can do, so callers can
// choose a persistence strategy that fits.
type Capabilities struct {
	SupportsDelta       bool
	SupportsSnapshot    bool
	SupportsStreaming   bool
	SupportsConcurrency bool
	Latency             time.Duration // rough expected per-op latency, for strategy selection
}

// StorageBackend is the contract every persistence backend implements.
// All operations are safe to call concurrently across different session
// ids; within one session id, writes are serialized by the caller
// (Resumability) to keep Sequence monotonic.
type StorageBackend interface {
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Capabilities() Capabilities

	SaveState(ctx context.Context, key string, state State) error
	LoadState(ctx context.Context, key string) (State, error)
	DeleteState(ctx context.Context, key string) error

	SaveDelta(ctx context.Context, d StateDelta) error
	SaveDeltas(ctx context.Context, ds []StateDelta) error
	LoadDeltas(ctx context.Context, key string, fromSeq uint64) ([]StateDelta, error)

	SaveSnapshot(ctx context.Context, key string, state State, seq uint64) error
	LoadLatestSnapshot(ctx context.Context, key string) (State, uint64, error)
	CompactDeltas(ctx context.Context, key string, beforeSeq uint64) error

	ListSessions(ctx context.Context) ([]string, error)
}

// Strategy selects how a Session persists its state.
type Strategy int

const (
	// StrategyFullState writes a complete snapshot on every checkpoint.
	StrategyFullState Strategy = iota
	// StrategyDelta records every delta and relies on the compaction done
	// by each Checkpoint to bound replay cost.
	StrategyDelta
	// StrategyHybrid (default) records deltas continuously; ShouldSnapshot
	// reports a snapshot as due after SnapshotEvery events or
	// SnapshotInterval, whichever comes first. The Session never snapshots
	// on its own: a snapshot is written only when Checkpoint is called.
	StrategyHybrid
)

// SessionOpt configures a Session at creation.
type SessionOpt func(*Session)

// WithStrategy sets the persistence strategy. Default is StrategyHybrid.
func WithStrategy(s Strategy) SessionOpt {
	return func(sess *Session) { sess.strategy = s }
}

// WithSnapshotEvery sets how many deltas accumulate before ShouldSnapshot
// reports a hybrid snapshot as due. Default is 500.
func WithSnapshotEvery(n int) SessionOpt {
	return func(sess *Session) { sess.snapshotEvery = n }
}

// WithSnapshotInterval sets the wall-clock time since the last snapshot
// after which ShouldSnapshot reports a hybrid snapshot as due. Default is
// 30s.
func WithSnapshotInterval(d time.Duration) SessionOpt {
	return func(sess *Session) { sess.snapshotInterval = d }
}

// Session coordinates persistence for one crawl run against a
// StorageBackend, applying the configured Strategy.
type Session struct {
	ID      string
	backend StorageBackend

	strategy         Strategy
	snapshotEvery    int
	snapshotInterval time.Duration

	mu                sync.Mutex // serializes RecordDelta and Checkpoint
	seq               uint64
	deltasSinceSnap   int
	lastSnapshotAt    time.Time
	pendingDeltas     []StateDelta
}

// NewSession creates a Session bound to backend, generating a fresh id via
// google/uuid unless overridden by the caller through Resume.
func NewSession(backend StorageBackend, opts ...SessionOpt) *Session {
	s := &Session{
		ID:               uuid.NewString(),
		backend:          backend,
		strategy:         StrategyHybrid,
		snapshotEvery:    500,
		snapshotInterval: 30 * time.Second,
		lastSnapshotAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resume loads sessionID's latest snapshot (if any) and replays every
// delta with a higher sequence number, rebuilding State: load the latest
// snapshot (state S, sequence N), then load deltas with sequence > N in
// order and apply them. A missing snapshot resumes from sequence 0 and
// applies every delta.
func Resume(ctx context.Context, backend StorageBackend, sessionID string, opts ...SessionOpt) (*Session, State, error) {
	s := &Session{
		ID:               sessionID,
		backend:          backend,
		strategy:         StrategyHybrid,
		snapshotEvery:    500,
		snapshotInterval: 30 * time.Second,
		lastSnapshotAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	state, seq, err := backend.LoadLatestSnapshot(ctx, sessionID)
	if err != nil {
		state, seq = State{SessionID: sessionID, Frontier: map[string][]string{}}, 0
	}

	deltas, err := backend.LoadDeltas(ctx, sessionID, seq)
	if err != nil {
		return nil, State{}, fmt.Errorf("loading deltas for session %s: %w", sessionID, err)
	}

	state = Replay(state, deltas)
	s.seq = state.Sequence
	return s, state, nil
}

// Replay applies deltas (already loaded in increasing Sequence order) onto
// base, returning the rebuilt state.
func Replay(base State, deltas []StateDelta) State {
	if base.Frontier == nil {
		base.Frontier = map[string][]string{}
	}
	seenSet := make(map[string]bool, len(base.Seen))
	for _, u := range base.Seen {
		seenSet[u] = true
	}

	for _, d := range deltas {
		switch d.Kind {
		case DeltaEnqueue:
			if !seenSet[d.URL] {
				base.Frontier[d.Domain] = append(base.Frontier[d.Domain], d.URL)
				seenSet[d.URL] = true
			}
		case DeltaDequeueStart:
			base.Frontier[d.Domain] = removeFirst(base.Frontier[d.Domain], d.URL)
		case DeltaPageComplete, DeltaPageFailed:
			base.PagesDone++
		}
		base.Sequence = d.Sequence
	}

	base.Seen = base.Seen[:0]
	for u := range seenSet {
		base.Seen = append(base.Seen, u)
	}
	return base
}

func removeFirst(queue []string, url string) []string {
	for i, u := range queue {
		if u == url {
			return append(queue[:i:i], queue[i+1:]...)
		}
	}
	return queue
}

// RecordDelta assigns the next sequence number to d and persists it
// immediately (StrategyDelta/StrategyHybrid) or buffers it for the next
// checkpoint (StrategyFullState). It does not take a snapshot itself;
// ShouldSnapshot reports whether a hybrid snapshot is due.
func (s *Session) RecordDelta(ctx context.Context, d StateDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	d.SessionID = s.ID
	d.Sequence = s.seq
	if d.At.IsZero() {
		d.At = time.Now()
	}

	if s.strategy == StrategyFullState {
		s.pendingDeltas = append(s.pendingDeltas, d)
		return nil
	}

	if err := s.backend.SaveDelta(ctx, d); err != nil {
		return fmt.Errorf("saving delta seq %d for session %s: %w", s.seq, s.ID, err)
	}
	s.deltasSinceSnap++
	return nil
}

// ShouldSnapshot reports whether a hybrid session's snapshot threshold
// (event count or wall-clock interval) has been reached.
func (s *Session) ShouldSnapshot() bool {
	if s.strategy != StrategyHybrid {
		return false
	}
	return s.deltasSinceSnap >= s.snapshotEvery || time.Since(s.lastSnapshotAt) >= s.snapshotInterval
}

// Checkpoint writes state as of the current sequence. For
// StrategyFullState it saves it with SaveState and flushes the buffered
// deltas; for StrategyDelta and StrategyHybrid it saves a snapshot at the
// current sequence and compacts the deltas at or below that sequence.
func (s *Session) Checkpoint(ctx context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.SessionID = s.ID
	state.Sequence = s.seq
	state.UpdatedAt = time.Now()

	if s.strategy == StrategyFullState {
		if err := s.backend.SaveState(ctx, s.ID, state); err != nil {
			return fmt.Errorf("saving full state for session %s: %w", s.ID, err)
		}
		if len(s.pendingDeltas) > 0 {
			if err := s.backend.SaveDeltas(ctx, s.pendingDeltas); err != nil {
				return fmt.Errorf("saving pending deltas for session %s: %w", s.ID, err)
			}
			s.pendingDeltas = nil
		}
		return nil
	}

	if err := s.backend.SaveSnapshot(ctx, s.ID, state, s.seq); err != nil {
		return fmt.Errorf("saving snapshot for session %s: %w", s.ID, err)
	}
	if err := s.backend.CompactDeltas(ctx, s.ID, s.seq); err != nil {
		return fmt.Errorf("compacting deltas for session %s: %w", s.ID, err)
	}
	s.deltasSinceSnap = 0
	s.lastSnapshotAt = time.Now()
	return nil
}

// Close deletes the session's persisted state, for a crawl that completed
// successfully and has no further resume value.
func (s *Session) Close(ctx context.Context) error {
	return s.backend.DeleteState(ctx, s.ID)
}
