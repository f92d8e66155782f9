// Package kvbackend implements resumability.StorageBackend on Redis:
// state:{id} and snapshot:{id} as plain JSON string keys, deltas:{id} as a
// sorted set scored by sequence number.
package kvbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codepr/crawlkit/crawler/resumability"
	"github.com/redis/go-redis/v9"
)

// Backend persists sessions in Redis via go-redis/v9.
type Backend struct {
	client *redis.Client
	prefix string
}

// New creates a Backend against client. prefix namespaces keys (e.g.
// "crawlkit") so multiple crawlers can share one Redis instance.
func New(client *redis.Client, prefix string) *Backend {
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) stateKey(id string) string    { return fmt.Sprintf("%s:state:%s", b.prefix, id) }
func (b *Backend) snapshotKey(id string) string { return fmt.Sprintf("%s:snapshot:%s", b.prefix, id) }
func (b *Backend) deltasKey(id string) string   { return fmt.Sprintf("%s:deltas:%s", b.prefix, id) }
func (b *Backend) sessionsKey() string          { return fmt.Sprintf("%s:sessions", b.prefix) }

func (b *Backend) Initialize(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Backend) Cleanup(context.Context) error {
	return b.client.Close()
}

func (b *Backend) Capabilities() resumability.Capabilities {
	return resumability.Capabilities{
		SupportsDelta:       true,
		SupportsSnapshot:    true,
		SupportsStreaming:   true,
		SupportsConcurrency: true,
		Latency:             time.Millisecond,
	}
}

func (b *Backend) SaveState(ctx context.Context, key string, state resumability.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state for %s: %w", key, err)
	}
	if err := b.client.Set(ctx, b.stateKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("saving state for %s: %w", key, err)
	}
	return b.client.SAdd(ctx, b.sessionsKey(), key).Err()
}

func (b *Backend) LoadState(ctx context.Context, key string) (resumability.State, error) {
	data, err := b.client.Get(ctx, b.stateKey(key)).Bytes()
	if err == redis.Nil {
		return resumability.State{}, nil
	}
	if err != nil {
		return resumability.State{}, fmt.Errorf("loading state for %s: %w", key, err)
	}
	var state resumability.State
	if err := json.Unmarshal(data, &state); err != nil {
		return resumability.State{}, fmt.Errorf("decoding state for %s: %w", key, err)
	}
	return state, nil
}

func (b *Backend) DeleteState(ctx context.Context, key string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.stateKey(key))
	pipe.Del(ctx, b.snapshotKey(key))
	pipe.Del(ctx, b.deltasKey(key))
	pipe.SRem(ctx, b.sessionsKey(), key)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", key, err)
	}
	return nil
}

func (b *Backend) SaveDelta(ctx context.Context, d resumability.StateDelta) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshaling delta seq %d for %s: %w", d.Sequence, d.SessionID, err)
	}
	z := redis.Z{Score: float64(d.Sequence), Member: data}
	if err := b.client.ZAdd(ctx, b.deltasKey(d.SessionID), z).Err(); err != nil {
		return fmt.Errorf("saving delta seq %d for %s: %w", d.Sequence, d.SessionID, err)
	}
	return nil
}

func (b *Backend) SaveDeltas(ctx context.Context, ds []resumability.StateDelta) error {
	if len(ds) == 0 {
		return nil
	}
	pipe := b.client.Pipeline()
	for _, d := range ds {
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshaling delta seq %d for %s: %w", d.Sequence, d.SessionID, err)
		}
		pipe.ZAdd(ctx, b.deltasKey(d.SessionID), redis.Z{Score: float64(d.Sequence), Member: data})
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("saving %d deltas: %w", len(ds), err)
	}
	return nil
}

func (b *Backend) LoadDeltas(ctx context.Context, key string, fromSeq uint64) ([]resumability.StateDelta, error) {
	members, err := b.client.ZRangeByScore(ctx, b.deltasKey(key), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", fromSeq), // exclusive lower bound: strictly greater than fromSeq
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("loading deltas for %s: %w", key, err)
	}
	out := make([]resumability.StateDelta, 0, len(members))
	for _, m := range members {
		var d resumability.StateDelta
		if err := json.Unmarshal([]byte(m), &d); err != nil {
			return nil, fmt.Errorf("decoding delta for %s: %w", key, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (b *Backend) SaveSnapshot(ctx context.Context, key string, state resumability.State, seq uint64) error {
	state.Sequence = seq
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling snapshot for %s: %w", key, err)
	}
	if err := b.client.Set(ctx, b.snapshotKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("saving snapshot for %s: %w", key, err)
	}
	return b.client.SAdd(ctx, b.sessionsKey(), key).Err()
}

func (b *Backend) LoadLatestSnapshot(ctx context.Context, key string) (resumability.State, uint64, error) {
	data, err := b.client.Get(ctx, b.snapshotKey(key)).Bytes()
	if err == redis.Nil {
		return resumability.State{}, 0, nil
	}
	if err != nil {
		return resumability.State{}, 0, fmt.Errorf("loading snapshot for %s: %w", key, err)
	}
	var state resumability.State
	if err := json.Unmarshal(data, &state); err != nil {
		return resumability.State{}, 0, fmt.Errorf("decoding snapshot for %s: %w", key, err)
	}
	return state, state.Sequence, nil
}

func (b *Backend) CompactDeltas(ctx context.Context, key string, beforeSeq uint64) error {
	err := b.client.ZRemRangeByScore(ctx, b.deltasKey(key), "-inf", fmt.Sprintf("%d", beforeSeq)).Err()
	if err != nil {
		return fmt.Errorf("compacting deltas for %s: %w", key, err)
	}
	return nil
}

func (b *Backend) ListSessions(ctx context.Context) ([]string, error) {
	sessions, err := b.client.SMembers(ctx, b.sessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}
