package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/contentdag/core/checkpoint"
	"github.com/contentdag/core/internal/engine"
	"github.com/contentdag/core/pkg/schema"
)

// Executor runs a single task to completion given the upstream payloads
// it depends on, sealing its own checkpoint on success. Implemented by
// pipeline.Pipeline; kept as an interface here so the scheduler carries
// no import-time dependency on the guardrail machinery that decides how
// a task actually runs. runID is threaded through so the checkpoint the
// executor seals lands in the right run's namespace — the scheduler
// itself never seals a checkpoint, to avoid sealing the same payload
// twice under two different owners.
type Executor interface {
	Execute(ctx context.Context, runID string, task *schema.TaskNode, upstream map[string]schema.AgentPayload, depth int) (schema.AgentPayload, error)
}

// Sink receives task and run lifecycle events as the scheduler drives a
// run to completion.
type Sink interface {
	Append(ctx context.Context, event schema.Event) error
}

// Scheduler drives a Graph's execution level by level: a level's
// can-parallelize/parallel-preferred tasks run concurrently, bounded by
// a worker pool, its serial-required tasks run one at a time, and a
// level only starts once every task in the previous one has settled
// (succeeded, failed, or been rolled back as a downstream of a failure).
type Scheduler struct {
	exec     Executor
	verifier *checkpoint.Verifier
	sink     Sink
	pool     *engine.WorkerPool

	mu       sync.Mutex
	states   map[string]schema.TaskState
	payloads map[string]schema.AgentPayload
}

// New creates a Scheduler bounded to maxConcurrency tasks running at once
// within a single level. verifier and sink may both be nil; a nil
// verifier disables checkpoint sealing and rollback, a nil sink disables
// event emission.
func New(exec Executor, verifier *checkpoint.Verifier, sink Sink, maxConcurrency int) *Scheduler {
	return &Scheduler{
		exec:     exec,
		verifier: verifier,
		sink:     sink,
		pool:     engine.NewWorkerPool(maxConcurrency),
		states:   make(map[string]schema.TaskState),
		payloads: make(map[string]schema.AgentPayload),
	}
}

// Run walks the graph level by level. Initial payloads (e.g. the run's
// seed inputs) are seeded as already-COMPLETED tasks so tasks depending
// on them can run in the first level. A task that fails is recorded
// FAILED and immediately triggers the rollback policy; every task that
// transitively depends on it is marked ROLLED_BACK without ever being
// dispatched. Run only returns an error if the context is cancelled —
// individual task failures are reported through State and the returned
// payload map, not as a Run-level error, so independent branches of the
// DAG still get a chance to complete.
func (s *Scheduler) Run(ctx context.Context, runID string, g *Graph, initial map[string]schema.AgentPayload) (map[string]schema.AgentPayload, error) {
	s.mu.Lock()
	for id, p := range initial {
		s.payloads[id] = p
		s.states[id] = schema.TaskStateCompleted
	}
	s.mu.Unlock()

	s.emit(ctx, runID, "", schema.EventRunStarted, nil)

	for _, level := range g.Levels {
		if err := s.runLevel(ctx, runID, g, level); err != nil {
			s.emit(ctx, runID, "", schema.EventRunFailed, nil)
			return s.snapshotPayloads(), err
		}
	}

	s.emit(ctx, runID, "", schema.EventRunCompleted, nil)
	return s.snapshotPayloads(), nil
}

// runLevel dispatches one level's tasks, splitting it by parallelization
// hint first: serial-required tasks are run one at a time, in the
// level's order, before the level's can-parallelize/parallel-preferred
// tasks are submitted to the bounded pool together. Both groups still
// belong to the same level, so neither blocks the next level from
// starting until the whole level — serial and concurrent — has settled.
func (s *Scheduler) runLevel(ctx context.Context, runID string, g *Graph, level []string) error {
	var serial, concurrent []string
	for _, id := range level {
		if s.State(id) == schema.TaskStateCompleted {
			continue // satisfied by an initial payload, never dispatched
		}
		if g.Tasks[id].ParallelHint == schema.HintSerialRequired {
			serial = append(serial, id)
		} else {
			concurrent = append(concurrent, id)
		}
	}

	for _, id := range serial {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.dispatch(ctx, runID, g, id) {
			continue
		}
		s.runTask(ctx, runID, g.Tasks[id], g.Depth[id])
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(concurrent))

	for _, id := range concurrent {
		if !s.dispatch(ctx, runID, g, id) {
			continue
		}

		task := g.Tasks[id]
		depth := g.Depth[id]
		wg.Add(1)
		err := s.pool.Submit(ctx, func(ctx context.Context) error {
			defer wg.Done()
			s.runTask(ctx, runID, task, depth)
			return nil
		})
		if err != nil {
			wg.Done()
			errs <- err
		}
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

// dispatch marks id SCHEDULED and reports it dispatchable when every one
// of its dependencies completed; a dependency that failed or was itself
// rolled back marks id ROLLED_BACK instead — it can never safely run on
// the state its dependency was supposed to produce.
func (s *Scheduler) dispatch(ctx context.Context, runID string, g *Graph, id string) bool {
	if s.anyDependencyUnsatisfied(g, id) {
		s.setState(id, schema.TaskStateRolledBack)
		s.emit(ctx, runID, id, schema.EventTaskSkipped, nil)
		return false
	}
	s.setState(id, schema.TaskStateScheduled)
	s.emit(ctx, runID, id, schema.EventTaskScheduled, nil)
	return true
}

func (s *Scheduler) runTask(ctx context.Context, runID string, task *schema.TaskNode, depth int) {
	if ctx.Err() != nil {
		return
	}

	s.setState(task.ID, schema.TaskStateRunning)
	s.emit(ctx, runID, task.ID, schema.EventTaskStarted, nil)

	upstream := s.upstreamPayloads(task)

	payload, err := s.exec.Execute(ctx, runID, task, upstream, depth)
	if err != nil {
		s.setState(task.ID, schema.TaskStateFailed)
		s.emit(ctx, runID, task.ID, schema.EventTaskFailed, nil)
		// Retries exhausted (or a non-retryable kind such as
		// INTEGRITY_VIOLATION or CONFIDENCE_COLLAPSE) aborts this task and
		// triggers the rollback policy immediately, rather than waiting
		// for a later, separate reconciliation pass.
		s.rollbackChain(ctx, runID)
		return
	}

	s.mu.Lock()
	s.payloads[task.ID] = payload
	s.mu.Unlock()
	s.setState(task.ID, schema.TaskStateCompleted)
	s.emit(ctx, runID, task.ID, schema.EventTaskCompleted, nil)
}

// anyDependencyUnsatisfied reports whether any of id's dependencies
// settled as anything other than COMPLETED, meaning id cannot safely run.
func (s *Scheduler) anyDependencyUnsatisfied(g *Graph, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range g.Edges[id] {
		if s.states[dep] != schema.TaskStateCompleted {
			return true
		}
	}
	return false
}

func (s *Scheduler) setState(id string, st schema.TaskState) {
	s.mu.Lock()
	s.states[id] = st
	s.mu.Unlock()
}

// State returns a task's current lifecycle state, or "" if it has not
// been observed yet.
func (s *Scheduler) State(id string) schema.TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

func (s *Scheduler) upstreamPayloads(task *schema.TaskNode) map[string]schema.AgentPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]schema.AgentPayload, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		if p, ok := s.payloads[dep]; ok {
			out[dep] = p
		}
	}
	return out
}

func (s *Scheduler) snapshotPayloads() map[string]schema.AgentPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]schema.AgentPayload, len(s.payloads))
	for k, v := range s.payloads {
		out[k] = v
	}
	return out
}

// Redispatch re-runs a single task outside the level loop, against
// whatever upstream payloads are currently recorded for it. The executor
// seals its own checkpoint on success, same as a normal dispatch; a
// failure here re-triggers the rollback policy just as it would in
// runTask. Used to re-run an idempotent task after a rollback
// invalidated its checkpoint and repairing its upstream made the
// dependency checkpoint VALID again.
func (s *Scheduler) Redispatch(ctx context.Context, runID string, task *schema.TaskNode, depth int) (schema.AgentPayload, error) {
	s.setState(task.ID, schema.TaskStateRetrying)
	s.emit(ctx, runID, task.ID, schema.EventTaskRetrying, nil)

	upstream := s.upstreamPayloads(task)
	payload, err := s.exec.Execute(ctx, runID, task, upstream, depth)
	if err != nil {
		s.setState(task.ID, schema.TaskStateFailed)
		s.emit(ctx, runID, task.ID, schema.EventTaskFailed, nil)
		s.rollbackChain(ctx, runID)
		return schema.AgentPayload{}, err
	}

	s.mu.Lock()
	s.payloads[task.ID] = payload
	s.mu.Unlock()
	s.setState(task.ID, schema.TaskStateCompleted)
	s.emit(ctx, runID, task.ID, schema.EventTaskCompleted, nil)

	return payload, nil
}

// Rollback re-scans a run's full sealed checkpoint chain for corruption
// that surfaces only after the tasks that produced it already
// completed — e.g. tampering detected between scheduler passes, with no
// task failure of its own to trigger the policy. A clean task failure
// already drives rollbackChain synchronously from inside runTask; this
// is the reconciliation path for everything else.
func (s *Scheduler) Rollback(ctx context.Context, runID string) ([]string, error) {
	if s.verifier == nil {
		return nil, schema.NewError(schema.ErrCodeCheckpointMissing, "no verifier configured")
	}
	_, rolledBack := s.rollbackChain(ctx, runID)
	return rolledBack, nil
}

// rollbackChain walks a run's sealed checkpoint chain newest-to-oldest
// looking for the first checkpoint still VALID (the "last-good"
// checkpoint invariant requires it). An EXPIRED checkpoint along the way
// is recovered locally by a forced refresh — re-sealed from its own
// current state — rather than treated as a rollback boundary; only a
// HASH_MISMATCH or NOT_FOUND checkpoint escalates to rollback. Every
// checkpoint from the boundary onward is marked ROLLED_BACK.
func (s *Scheduler) rollbackChain(ctx context.Context, runID string) (lastGood string, rolledBack []string) {
	if s.verifier == nil {
		return "", nil
	}

	chain := s.verifier.Chain(runID)
	boundary := len(chain)

	for i := len(chain) - 1; i >= 0; i-- {
		cp := chain[i]
		verdict := s.verifier.Verify(ctx, runID, cp.ID)

		if verdict == checkpoint.VerdictExpired {
			var previousID string
			if i > 0 {
				previousID = chain[i-1].ID
			}
			if _, err := s.verifier.Create(ctx, runID, cp.ID, cp.StateData, previousID); err == nil {
				verdict = checkpoint.VerdictValid
			}
		}

		if verdict == checkpoint.VerdictValid {
			lastGood = cp.ID
			boundary = i + 1
			break
		}
	}

	for _, cp := range chain[boundary:] {
		s.setState(cp.ID, schema.TaskStateRolledBack)
		rolledBack = append(rolledBack, cp.ID)
		s.emit(ctx, runID, cp.ID, schema.EventRollbackPerformed, nil)
	}

	return lastGood, rolledBack
}

// RolledBackTasks returns every task currently in the ROLLED_BACK
// state — both checkpoints invalidated by rollbackChain and dependents
// that were never dispatched because an upstream task rolled back first.
func (s *Scheduler) RolledBackTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id, st := range s.states {
		if st == schema.TaskStateRolledBack {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Shutdown drains the worker pool, waiting for any in-flight task to
// finish before returning.
func (s *Scheduler) Shutdown() {
	s.pool.Shutdown()
}

func (s *Scheduler) emit(ctx context.Context, runID, taskID, eventType string, payload []byte) {
	if s.sink == nil {
		return
	}
	_ = s.sink.Append(ctx, schema.Event{
		RunID:     runID,
		TaskID:    taskID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}
