// Package checkpoint implements the state verifier: content-addressed
// snapshots of a task's accumulated state, chained by hash and bounded
// by a TTL, used to detect silent corruption and desynchronization
// between agents operating on the same run.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/maphash"
	"sort"
	"sync"
	"time"

	"github.com/contentdag/core/merkle"
	"github.com/contentdag/core/pkg/schema"
)

// Checkpoint is an immutable, hash-verified snapshot of a task's state
// at a point in time.
type Checkpoint struct {
	ID                     string
	RunID                  string
	CreatedAt              time.Time
	StateData              map[string]any
	StateHash              string
	PreviousCheckpointHash string
	MerkleRoot             string
	ttl                    time.Duration
	leafKeys               []string // state_data keys in the order leaves were built, for proof lookups
}

// IsExpired reports whether the checkpoint has outlived its TTL.
func (c *Checkpoint) IsExpired(now time.Time) bool {
	return now.Sub(c.CreatedAt) > c.ttl
}

// VerifyIntegrity recomputes the checkpoint's state hash and compares it
// against the stored one, detecting any tampering of StateData after
// creation.
func (c *Checkpoint) VerifyIntegrity() bool {
	return merkle.Hash(c.StateData) == c.StateHash
}

// Verdict is the outcome of a Verify call.
type Verdict string

const (
	VerdictValid        Verdict = "VALID"
	VerdictExpired      Verdict = "EXPIRED"
	VerdictHashMismatch Verdict = "HASH_MISMATCH"
	VerdictNotFound     Verdict = "NOT_FOUND"
)

// Sink receives observability events as checkpoints are created,
// verified, or found corrupt. orchestrator wires this to a sink.Sink.
type Sink interface {
	Append(ctx context.Context, event schema.Event) error
}

const shardCount = 32

// Verifier manages the set of checkpoints for all runs it is given,
// evicting expired or excess entries and guarding against corruption.
// Mutations to a single run's checkpoint chain are serialized by a
// per-key shard lock so unrelated runs never contend; shard selection,
// insertion, and eviction bookkeeping take the coarser mu.
//
// Checkpoint IDs are task IDs (see scheduler.Scheduler), so two
// different runs that both happen to name a task "validate" must not
// collide: checkpoints is keyed by the composite runID+":"+checkpointID,
// never by the bare checkpoint ID.
type Verifier struct {
	mu             sync.RWMutex
	checkpoints    map[string]*Checkpoint // runID+":"+checkpoint ID -> checkpoint
	byRun          map[string][]string    // run ID -> checkpoint IDs, oldest first
	shards         [shardCount]sync.Mutex
	maxCheckpoints int
	ttl            time.Duration
	sink           Sink
	seed           maphash.Seed
}

func compositeKey(runID, checkpointID string) string {
	return runID + ":" + checkpointID
}

// New creates a Verifier bounded to maxCheckpoints total entries, each
// valid for ttl, optionally forwarding corruption and lifecycle events
// to sink.
func New(maxCheckpoints int, ttl time.Duration, sink Sink) *Verifier {
	if maxCheckpoints <= 0 {
		maxCheckpoints = 1000
	}
	return &Verifier{
		checkpoints:    make(map[string]*Checkpoint),
		byRun:          make(map[string][]string),
		maxCheckpoints: maxCheckpoints,
		ttl:            ttl,
		sink:           sink,
		seed:           maphash.MakeSeed(),
	}
}

func (v *Verifier) shardFor(key string) *sync.Mutex {
	var h maphash.Hash
	h.SetSeed(v.seed)
	_, _ = h.WriteString(key)
	return &v.shards[h.Sum64()%uint64(shardCount)]
}

// Create builds a new checkpoint over stateData, chaining it to
// previousCheckpointID's hash if provided, and stores it.
func (v *Verifier) Create(ctx context.Context, runID, checkpointID string, stateData map[string]any, previousCheckpointID string) (*Checkpoint, error) {
	shard := v.shardFor(runID)
	shard.Lock()
	defer shard.Unlock()

	var previousHash string
	if previousCheckpointID != "" {
		v.mu.RLock()
		prev, ok := v.checkpoints[compositeKey(runID, previousCheckpointID)]
		v.mu.RUnlock()
		if ok {
			previousHash = prev.StateHash
		}
	}

	leafKeys, leaves := buildLeaves(stateData)
	var merkleRoot string
	if len(leaves) > 0 {
		tree, err := merkle.Build(leaves)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeIntegrityFailure, "build merkle tree: %s", err.Error()).WithCause(err)
		}
		merkleRoot = tree.Root
	}

	cp := &Checkpoint{
		ID:                     checkpointID,
		RunID:                  runID,
		CreatedAt:              time.Now(),
		StateData:              stateData,
		StateHash:              merkle.Hash(stateData),
		PreviousCheckpointHash: previousHash,
		MerkleRoot:             merkleRoot,
		ttl:                    v.ttl,
		leafKeys:               leafKeys,
	}

	v.mu.Lock()
	key := compositeKey(runID, checkpointID)
	_, replacing := v.checkpoints[key]
	v.checkpoints[key] = cp
	if !replacing {
		v.byRun[runID] = append(v.byRun[runID], checkpointID)
	}
	v.mu.Unlock()

	v.emit(ctx, schema.EventCheckpointCreated, runID, checkpointID, nil)
	v.evictLocked(ctx)

	return cp, nil
}

// Verify checks a checkpoint's existence, expiration, integrity, and
// (recursively) the integrity of its predecessor chain, returning a
// Verdict describing the first problem found.
func (v *Verifier) Verify(ctx context.Context, runID, checkpointID string) Verdict {
	v.mu.RLock()
	cp, ok := v.checkpoints[compositeKey(runID, checkpointID)]
	v.mu.RUnlock()
	if !ok {
		return VerdictNotFound
	}

	if cp.IsExpired(time.Now()) {
		v.emit(ctx, schema.EventCheckpointExpired, runID, checkpointID, nil)
		return VerdictExpired
	}

	if !cp.VerifyIntegrity() {
		v.reportCorruption(ctx, runID, checkpointID, "state hash mismatch")
		return VerdictHashMismatch
	}

	if cp.PreviousCheckpointHash != "" {
		prevID := v.findByHash(runID, cp.PreviousCheckpointHash)
		if prevID != "" {
			if verdict := v.Verify(ctx, runID, prevID); verdict != VerdictValid {
				v.reportCorruption(ctx, runID, checkpointID, fmt.Sprintf("predecessor checkpoint %s invalid: %s", prevID, verdict))
				return VerdictHashMismatch
			}
		}
	}

	v.emit(ctx, schema.EventCheckpointVerified, runID, checkpointID, nil)
	return VerdictValid
}

// VerifyItem checks a single state key against the checkpoint's Merkle
// tree in O(log n), without rehashing the rest of the state.
func (v *Verifier) VerifyItem(runID, checkpointID, key string, expected any) (bool, error) {
	v.mu.RLock()
	cp, ok := v.checkpoints[compositeKey(runID, checkpointID)]
	v.mu.RUnlock()
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeCheckpointMissing, "checkpoint %s not found", checkpointID)
	}

	actual, present := cp.StateData[key]
	if !present {
		return false, nil
	}
	if merkle.Hash(actual) != merkle.Hash(expected) {
		return false, nil
	}

	_, leaves := buildLeaves(cp.StateData)
	tree, err := merkle.Build(leaves)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeIntegrityFailure, "rebuild merkle tree: %s", err.Error()).WithCause(err)
	}

	idx := indexOf(cp.leafKeys, key)
	if idx < 0 {
		return false, nil
	}
	proof, err := tree.Proof(idx)
	if err != nil {
		return false, err
	}
	leafHash := merkle.Hash(map[string]any{key: actual})
	return merkle.VerifyProof(leafHash, proof, cp.MerkleRoot), nil
}

// Latest returns the most recently created, still-valid checkpoint for a
// run, or nil if none exists.
func (v *Verifier) Latest(runID string) *Checkpoint {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ids := v.byRun[runID]
	for i := len(ids) - 1; i >= 0; i-- {
		if cp, ok := v.checkpoints[compositeKey(runID, ids[i])]; ok && !cp.IsExpired(time.Now()) {
			return cp
		}
	}
	return nil
}

// Chain returns a run's checkpoints in creation order (oldest first). Used
// by callers that need to walk a run's sealed history, e.g. for rollback.
func (v *Verifier) Chain(runID string) []*Checkpoint {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ids := v.byRun[runID]
	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		if cp, ok := v.checkpoints[compositeKey(runID, id)]; ok {
			out = append(out, cp)
		}
	}
	return out
}

// findByHash looks up a checkpoint ID by state hash within a single run's
// chain, never across runs — two different runs' checkpoints can
// legitimately share a state hash (e.g. identical deterministic agents
// re-run with the same input, invariant 12).
func (v *Verifier) findByHash(runID, stateHash string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, id := range v.byRun[runID] {
		if cp, ok := v.checkpoints[compositeKey(runID, id)]; ok && cp.StateHash == stateHash {
			return id
		}
	}
	return ""
}

// evictLocked removes expired checkpoints and, if still over the
// configured limit, the oldest remaining ones. Caller must not hold v.mu.
func (v *Verifier) evictLocked(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	var kept []string
	for id, cp := range v.checkpoints {
		if cp.IsExpired(now) {
			delete(v.checkpoints, id)
		} else {
			kept = append(kept, id)
		}
	}

	if len(kept) > v.maxCheckpoints {
		sort.Slice(kept, func(i, j int) bool {
			return v.checkpoints[kept[i]].CreatedAt.Before(v.checkpoints[kept[j]].CreatedAt)
		})
		excess := len(kept) - v.maxCheckpoints
		for _, id := range kept[:excess] {
			delete(v.checkpoints, id)
		}
	}

	for runID, ids := range v.byRun {
		filtered := ids[:0:0]
		for _, id := range ids {
			if _, ok := v.checkpoints[compositeKey(runID, id)]; ok {
				filtered = append(filtered, id)
			}
		}
		v.byRun[runID] = filtered
	}
}

func (v *Verifier) reportCorruption(ctx context.Context, runID, checkpointID, reason string) {
	payload, _ := json.Marshal(map[string]any{
		"checkpoint_id": checkpointID,
		"reason":        reason,
		"severity":      "critical",
	})
	v.emit(ctx, schema.EventGuardrailDesyncDetected, runID, checkpointID, payload)
}

func (v *Verifier) emit(ctx context.Context, eventType, runID, checkpointID string, payload json.RawMessage) {
	if v.sink == nil {
		return
	}
	_ = v.sink.Append(ctx, schema.Event{
		RunID:     runID,
		TaskID:    checkpointID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// buildLeaves hashes each key/value pair of state independently so a
// single changed key only invalidates one leaf, and returns the keys in
// the same order as the leaves for later index lookups.
func buildLeaves(state map[string]any) ([]string, []string) {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	leaves := make([]string, 0, len(keys))
	for _, k := range keys {
		leaves = append(leaves, merkle.Hash(map[string]any{k: state[k]}))
	}
	return keys, leaves
}

func indexOf(keys []string, key string) int {
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return -1
}
