// Package orchestrator ties the scheduler, pipeline, checkpoint verifier,
// circuit breaker registry, and event sink together behind the four
// operations a caller drives a run through: Submit, Run, Cancel, Inspect.
// It is a library, never a network service — nothing here opens a
// listener or accepts a connection.
package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/contentdag/core/breaker"
	"github.com/contentdag/core/checkpoint"
	"github.com/contentdag/core/internal/expressions"
	"github.com/contentdag/core/internal/logging"
	"github.com/contentdag/core/internal/validation"
	"github.com/contentdag/core/pipeline"
	"github.com/contentdag/core/pkg/schema"
	"github.com/contentdag/core/scheduler"
	"github.com/contentdag/core/sink"
)

// Orchestrator wires the execution machinery once and drives any number
// of runs over it. Shared state (breakers, checkpoints, the event sink)
// is keyed by run or agent ID, so concurrent runs never interfere with
// each other's bookkeeping except where that's the point — a flaky
// agent tripping its breaker on one run stays tripped for every other
// run until it recovers.
type Orchestrator struct {
	cfg       schema.Config
	agents    pipeline.AgentResolver
	breakers  *breaker.Registry
	verifier  *checkpoint.Verifier
	validator *validation.DAGValidator
	payloadV  *validation.JSONSchemaValidator
	cel       *expressions.CELEngine
	sink      sink.Sink
	logger    *slog.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// Deps holds New's dependencies. Logger may be left nil, in which case a
// text handler on stderr wrapped in a logging.CorrelationHandler is used,
// so run_id/task_id/agent_id are always attached to every record a caller
// doesn't opt to format themselves.
type Deps struct {
	Sink   sink.Sink
	Logger *slog.Logger
}

// New creates an Orchestrator. evtSink may be nil, in which case an
// in-memory sink.Memory is created so Inspect still has an event history
// to read from.
func New(cfg schema.Config, agents pipeline.AgentResolver, evtSink sink.Sink) (*Orchestrator, error) {
	return NewWithDeps(cfg, agents, Deps{Sink: evtSink})
}

// NewWithDeps is New with room for a caller-supplied logger.
func NewWithDeps(cfg schema.Config, agents pipeline.AgentResolver, deps Deps) (*Orchestrator, error) {
	dagValidator, err := validation.NewDAGValidator()
	if err != nil {
		return nil, err
	}
	payloadValidator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	evtSink := deps.Sink
	if evtSink == nil {
		evtSink = sink.NewMemory()
	}

	logger := deps.Logger
	if logger == nil {
		handler := logging.NewCorrelationHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
		logger = slog.New(handler)
	}

	return &Orchestrator{
		cfg:       cfg,
		agents:    agents,
		breakers:  breaker.NewRegistry(breaker.FromSchema(cfg.Breaker)),
		verifier:  checkpoint.New(cfg.MaxCheckpoints, cfg.CheckpointTTL, evtSink),
		validator: dagValidator,
		payloadV:  payloadValidator,
		cel:       cel,
		sink:      evtSink,
		logger:    logger,
		runs:      make(map[string]*Run),
	}, nil
}

// RunOptions configures a single submission.
type RunOptions struct {
	// RunID overrides the generated run ID. Left empty, a UUID is
	// generated.
	RunID string
}

// Run is a validated, schedulable submission. It is returned by Submit
// and passed back into Run, Cancel, and Inspect. The zero value is not
// usable; Runs are only ever constructed by Submit.
type Run struct {
	ID      string
	def     *schema.DAGDefinition
	graph   *scheduler.Graph
	initial map[string]schema.AgentPayload

	mu     sync.Mutex
	status schema.RunState
	sched  *scheduler.Scheduler
	cancel context.CancelFunc
}

// Status returns the run's current lifecycle state.
func (r *Run) Status() schema.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// ResultBundle is returned by Run once a submission has finished
// executing, successfully or not.
type ResultBundle struct {
	RunID      string
	Status     schema.RunState
	Payloads   map[string]schema.AgentPayload
	RolledBack []string
	Err        error
}

// Snapshot is a point-in-time view of a run's progress, returned by
// Inspect. It never blocks on the run finishing.
type Snapshot struct {
	RunID    string
	Status   schema.RunState
	States   map[string]schema.TaskState
	Events   []schema.Event
}

// Submit validates a DAG and prepares it for execution without running
// any agent. It fails fast on structural errors, hallucinated
// dependencies, and cycles so a caller never pays for partial execution
// of a run that could never have completed.
func (o *Orchestrator) Submit(nodes []schema.TaskNode, initial map[string]schema.AgentPayload, opts RunOptions) (*Run, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	ctx := logging.WithRunID(context.Background(), runID)
	log := logging.LogWith(ctx, o.logger)

	def := &schema.DAGDefinition{RunID: runID, Tasks: nodes}
	if result := o.validator.Validate(def); !result.Valid() {
		log.Warn("dag rejected by validation", "error_count", len(result.Errors))
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "dag %s failed validation: %d error(s)", runID, len(result.Errors)).
			WithDetails(map[string]any{"errors": result.Errors})
	}

	graph, err := scheduler.Build(def)
	if err != nil {
		log.Warn("dag rejected by graph construction", "error", err)
		return nil, err
	}

	log.Info("run submitted", "task_count", len(nodes))

	run := &Run{
		ID:      runID,
		def:     def,
		graph:   graph,
		initial: initial,
		status:  schema.RunStatePending,
	}

	o.mu.Lock()
	o.runs[runID] = run
	o.mu.Unlock()

	return run, nil
}

// Run executes a submitted run to completion (or cancellation), sealing
// a checkpoint after every completed task and rolling back any task
// chain whose checkpoint later fails verification. Non-idempotent tasks
// that get rolled back leave the run COMPLETED_WITH_ROLLBACK; idempotent
// ones are re-dispatched once their upstream checkpoints verify again.
func (o *Orchestrator) Run(ctx context.Context, run *Run) (*ResultBundle, error) {
	runCtx, cancel := context.WithCancel(logging.WithRunID(ctx, run.ID))
	log := logging.LogWith(runCtx, o.logger)

	run.mu.Lock()
	if run.status != schema.RunStatePending {
		run.mu.Unlock()
		cancel()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is not pending (status %s)", run.ID, run.status)
	}
	run.status = schema.RunStateActive
	run.cancel = cancel
	run.mu.Unlock()

	log.Info("run started")

	p := pipeline.New(o.agents, o.breakers, o.verifier, o.payloadV, o.cel, o.sink, o.cfg)
	sched := scheduler.New(p, o.verifier, o.sink, maxConcurrency(o.cfg))
	run.mu.Lock()
	run.sched = sched
	run.mu.Unlock()

	payloads, err := sched.Run(runCtx, run.ID, run.graph, run.initial)

	rolledBack, rollbackErr := o.reconcileRollback(runCtx, run, sched)
	if rollbackErr != nil && err == nil {
		err = rollbackErr
	}

	status := schema.RunStateCompleted
	switch {
	case runCtx.Err() != nil:
		status = schema.RunStateCancelled
	case err != nil:
		status = schema.RunStateFailed
	case len(rolledBack) > 0:
		status = schema.RunStateCompletedWithRollback
	}

	run.mu.Lock()
	run.status = status
	run.mu.Unlock()

	if err != nil {
		log.Error("run finished", "status", status, "error", err)
	} else {
		log.Info("run finished", "status", status, "rolled_back", len(rolledBack))
	}

	return &ResultBundle{
		RunID:      run.ID,
		Status:     status,
		Payloads:   payloads,
		RolledBack: rolledBack,
		Err:        err,
	}, err
}

// reconcileRollback runs once execution settles. A clean task failure
// already drove the rollback policy synchronously from inside the
// scheduler, marking the failed task's checkpoint chain and its
// never-dispatched dependents ROLLED_BACK as it happened; this pass
// additionally re-scans the full checkpoint chain for corruption that
// surfaced only after its task already completed (e.g. tampering
// between scheduler passes, with no task failure to trigger the policy
// on its own), then re-dispatches idempotent tasks among the full
// rolled-back set whose upstream checkpoints verify again. It returns the
// tasks that remain rolled back, i.e. those no redispatch resolved.
func (o *Orchestrator) reconcileRollback(ctx context.Context, run *Run, sched *scheduler.Scheduler) ([]string, error) {
	if _, err := sched.Rollback(ctx, run.ID); err != nil {
		return nil, err
	}

	rolledBack := sched.RolledBackTasks()
	if len(rolledBack) == 0 {
		return nil, nil
	}

	// Process in topological order so an upstream task's redispatch (and
	// fresh checkpoint) is visible to a downstream one's upstream check
	// within this same pass.
	topoOrder(run.graph, rolledBack)

	log := logging.LogWith(ctx, o.logger)
	log.Warn("checkpoint rollback in effect", "task_count", len(rolledBack))

	var unresolved []string
	for _, taskID := range rolledBack {
		task, ok := run.graph.Tasks[taskID]
		if !ok || !task.Idempotent || o.anyUpstreamInvalid(ctx, run.ID, task) {
			unresolved = append(unresolved, taskID)
			continue
		}

		depth := run.graph.Depth[taskID]
		taskLog := logging.LogWith(logging.WithTaskID(ctx, taskID), o.logger)
		if _, execErr := sched.Redispatch(ctx, run.ID, task, depth); execErr != nil {
			taskLog.Warn("idempotent redispatch after rollback failed", "error", execErr)
			unresolved = append(unresolved, taskID)
			continue
		}
		taskLog.Info("idempotent task redispatched after rollback")
	}

	return unresolved, nil
}

// anyUpstreamInvalid reports whether any of task's dependencies has a
// checkpoint that isn't VALID. Checkpoint IDs are task IDs in this
// package's wiring (the same convention scheduler.Scheduler uses), so a
// dependency's checkpoint can be looked up by its task ID directly.
func (o *Orchestrator) anyUpstreamInvalid(ctx context.Context, runID string, task *schema.TaskNode) bool {
	for _, dep := range task.DependsOn {
		if o.verifier.Verify(ctx, runID, dep) != checkpoint.VerdictValid {
			return true
		}
	}
	return false
}

// Cancel signals a running run to stop. In-flight tasks are allowed to
// finish; no new level of the DAG is dispatched after cancellation.
func (o *Orchestrator) Cancel(run *Run) error {
	run.mu.Lock()
	defer run.mu.Unlock()

	if run.cancel == nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s has not started", run.ID)
	}
	if run.status != schema.RunStateActive {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is not running (status %s)", run.ID, run.status)
	}

	logging.LogWith(logging.WithRunID(context.Background(), run.ID), o.logger).Info("run cancellation requested")
	run.cancel()
	return nil
}

// Inspect returns a non-blocking snapshot of a run's current state.
func (o *Orchestrator) Inspect(run *Run) Snapshot {
	run.mu.Lock()
	status := run.status
	sched := run.sched
	run.mu.Unlock()

	snap := Snapshot{RunID: run.ID, Status: status}

	if sched != nil {
		states := make(map[string]schema.TaskState, len(run.graph.Tasks))
		for id := range run.graph.Tasks {
			states[id] = sched.State(id)
		}
		snap.States = states
	}

	if events, err := o.sink.Events(context.Background(), run.ID); err == nil {
		snap.Events = events
	}

	return snap
}

func maxConcurrency(cfg schema.Config) int {
	if cfg.MaxConcurrency > 0 {
		return cfg.MaxConcurrency
	}
	return schema.DefaultConfig().MaxConcurrency
}

// topoOrder sorts ids in place by their position in the graph's
// topological order, so callers that redispatch along the sorted slice
// always visit a task after every task it depends on.
func topoOrder(g *scheduler.Graph, ids []string) {
	pos := make(map[string]int, len(g.Sorted))
	for i, id := range g.Sorted {
		pos[id] = i
	}
	sort.Slice(ids, func(i, j int) bool { return pos[ids[i]] < pos[ids[j]] })
}
