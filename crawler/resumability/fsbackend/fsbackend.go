// Package fsbackend implements resumability.StorageBackend on the local
// filesystem: sessions/{id}/state.json, snapshot.json, and
// deltas/NNNNNN.json zero-padded files.
package fsbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/codepr/crawlkit/crawler/resumability"
)

// Backend persists sessions under a root directory on the local
// filesystem.
type Backend struct {
	root string
}

// New creates a Backend rooted at dir. Initialize creates dir if absent.
func New(dir string) *Backend {
	return &Backend{root: dir}
}

func (b *Backend) Initialize(context.Context) error {
	return os.MkdirAll(b.root, 0o755)
}

func (b *Backend) Cleanup(context.Context) error {
	return os.RemoveAll(b.root)
}

func (b *Backend) Capabilities() resumability.Capabilities {
	return resumability.Capabilities{
		SupportsDelta:       true,
		SupportsSnapshot:    true,
		SupportsStreaming:   false,
		SupportsConcurrency: false, // one writer per session directory assumed
		Latency:             2 * time.Millisecond,
	}
}

func (b *Backend) sessionDir(key string) string   { return filepath.Join(b.root, "sessions", key) }
func (b *Backend) statePath(key string) string    { return filepath.Join(b.sessionDir(key), "state.json") }
func (b *Backend) snapshotPath(key string) string { return filepath.Join(b.sessionDir(key), "snapshot.json") }
func (b *Backend) deltasDir(key string) string    { return filepath.Join(b.sessionDir(key), "deltas") }

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readJSON rejects unknown fields: every persisted payload is validated
// against the internal schema on load.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (b *Backend) SaveState(_ context.Context, key string, state resumability.State) error {
	return writeJSON(b.statePath(key), state)
}

func (b *Backend) LoadState(_ context.Context, key string) (resumability.State, error) {
	var state resumability.State
	if err := readJSON(b.statePath(key), &state); err != nil {
		if os.IsNotExist(err) {
			return resumability.State{}, nil
		}
		return resumability.State{}, fmt.Errorf("loading state for %s: %w", key, err)
	}
	return state, nil
}

func (b *Backend) DeleteState(_ context.Context, key string) error {
	return os.RemoveAll(b.sessionDir(key))
}

func (b *Backend) deltaPath(key string, seq uint64) string {
	return filepath.Join(b.deltasDir(key), fmt.Sprintf("%06d.json", seq))
}

func (b *Backend) SaveDelta(_ context.Context, d resumability.StateDelta) error {
	return writeJSON(b.deltaPath(d.SessionID, d.Sequence), d)
}

func (b *Backend) SaveDeltas(ctx context.Context, ds []resumability.StateDelta) error {
	for _, d := range ds {
		if err := b.SaveDelta(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) LoadDeltas(_ context.Context, key string, fromSeq uint64) ([]resumability.StateDelta, error) {
	entries, err := os.ReadDir(b.deltasDir(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing deltas for %s: %w", key, err)
	}

	var seqs []uint64
	byName := map[uint64]string{}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		seq, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
		byName[seq] = e.Name()
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var out []resumability.StateDelta
	for _, seq := range seqs {
		if seq <= fromSeq {
			continue
		}
		var d resumability.StateDelta
		if err := readJSON(filepath.Join(b.deltasDir(key), byName[seq]), &d); err != nil {
			return nil, fmt.Errorf("reading delta %d for %s: %w", seq, key, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (b *Backend) SaveSnapshot(_ context.Context, key string, state resumability.State, seq uint64) error {
	state.Sequence = seq
	return writeJSON(b.snapshotPath(key), state)
}

func (b *Backend) LoadLatestSnapshot(_ context.Context, key string) (resumability.State, uint64, error) {
	var state resumability.State
	if err := readJSON(b.snapshotPath(key), &state); err != nil {
		if os.IsNotExist(err) {
			return resumability.State{}, 0, nil
		}
		return resumability.State{}, 0, fmt.Errorf("loading snapshot for %s: %w", key, err)
	}
	return state, state.Sequence, nil
}

func (b *Backend) CompactDeltas(_ context.Context, key string, beforeSeq uint64) error {
	entries, err := os.ReadDir(b.deltasDir(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("listing deltas for compaction of %s: %w", key, err)
	}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		seq, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		if seq <= beforeSeq {
			if err := os.Remove(filepath.Join(b.deltasDir(key), e.Name())); err != nil {
				return fmt.Errorf("compacting delta %d for %s: %w", seq, key, err)
			}
		}
	}
	return nil
}

func (b *Backend) ListSessions(context.Context) ([]string, error) {
	sessionsRoot := filepath.Join(b.root, "sessions")
	entries, err := os.ReadDir(sessionsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
