// Package cycle runs the six-step execution audit cycle: cause intake,
// input validation, action determination, law application, reaction
// registration, and output evaluation. Every cycle that reaches law
// application leaves a persisted snapshot, including failed ones.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/mupoese/lawcycle/pkg/governance"
	"github.com/mupoese/lawcycle/pkg/law"
	"github.com/mupoese/lawcycle/pkg/memwin"
	"github.com/mupoese/lawcycle/pkg/observability"
	"github.com/mupoese/lawcycle/pkg/pattern"
	"github.com/mupoese/lawcycle/pkg/rules"
	"github.com/mupoese/lawcycle/pkg/schema"
	"github.com/mupoese/lawcycle/pkg/snapshot"
)

// Dispatcher executes the determined action against the external
// collaborator layer. It must honor ctx cancellation; the orchestrator
// imposes the cycle deadline through it.
type Dispatcher interface {
	Dispatch(ctx context.Context, action rules.Action, input map[string]any) (map[string]any, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, action rules.Action, input map[string]any) (map[string]any, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, action rules.Action, input map[string]any) (map[string]any, error) {
	return f(ctx, action, input)
}

// Request is one cycle invocation.
type Request struct {
	Cause           string
	Input           map[string]any
	ExpectedOutcome map[string]any
	AgentSignature  string
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Store      snapshot.Store
	Window     *memwin.Window
	Ledger     *governance.Ledger
	Detector   *pattern.Detector
	Engine     *rules.Engine
	Validator  *schema.Validator
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Obs        *observability.Provider

	// Deadline bounds one cycle's wall clock. Zero means 30 seconds.
	Deadline time.Duration
	// ProposalCooldown throttles governance proposals opened from
	// systematic deviations. Zero means one per hour.
	ProposalCooldown time.Duration
}

// Orchestrator executes cycles. It owns no shared mutable state of its
// own; concurrency discipline lives in the store, window and ledger.
type Orchestrator struct {
	store      snapshot.Store
	window     *memwin.Window
	ledger     *governance.Ledger
	detector   *pattern.Detector
	engine     *rules.Engine
	validator  *schema.Validator
	dispatcher Dispatcher
	gate       *Gate
	logger     *slog.Logger
	obs        *observability.Provider
	deadline   time.Duration
	limiter    *rate.Limiter
	clock      func() time.Time
}

// New validates the configuration and builds an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Window == nil || cfg.Ledger == nil {
		return nil, errors.New("cycle: store, window and ledger are required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("cycle: dispatcher is required")
	}
	if cfg.Detector == nil {
		cfg.Detector = pattern.New()
	}
	if cfg.Engine == nil {
		engine, err := rules.NewEngine(nil)
		if err != nil {
			return nil, err
		}
		cfg.Engine = engine
	}
	if cfg.Validator == nil {
		validator, err := schema.NewValidator(law.DefaultParameters().MaxInputDepth)
		if err != nil {
			return nil, err
		}
		cfg.Validator = validator
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 30 * time.Second
	}
	if cfg.ProposalCooldown <= 0 {
		cfg.ProposalCooldown = time.Hour
	}
	if cfg.Obs == nil {
		obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
		cfg.Obs = obs
	}
	return &Orchestrator{
		store:      cfg.Store,
		window:     cfg.Window,
		ledger:     cfg.Ledger,
		detector:   cfg.Detector,
		engine:     cfg.Engine,
		validator:  cfg.Validator,
		dispatcher: cfg.Dispatcher,
		gate:       NewGate(cfg.Store, cfg.Window, cfg.Ledger),
		logger:     cfg.Logger,
		obs:        cfg.Obs,
		deadline:   cfg.Deadline,
		limiter:    rate.NewLimiter(rate.Every(cfg.ProposalCooldown), 1),
		clock:      time.Now,
	}, nil
}

// WithClock overrides the clock for testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Gate exposes the dependency checker for status tooling.
func (o *Orchestrator) Gate() *Gate {
	return o.gate
}

// RunCycle executes the six steps for one request. Steps 1 to 3 fail
// fast with no snapshot. From law application on, failures are captured
// into the snapshot instead, so an auditable record always exists. On
// deadline overrun a partial snapshot is written and ErrCycleTimeout is
// returned together with it.
func (o *Orchestrator) RunCycle(ctx context.Context, req Request) (*snapshot.Snapshot, error) {
	ctx, span := o.obs.StartSpan(ctx, "cycle.run")
	defer span.End()

	if err := o.gate.Require(ctx); err != nil {
		o.obs.RecordError(ctx, err)
		return nil, err
	}

	// step 1: cause intake
	if req.Cause == "" {
		o.obs.RecordError(ctx, ErrEmptyCause)
		return nil, ErrEmptyCause
	}

	// step 2: input validation
	if err := o.validator.Validate(req.Input); err != nil {
		o.obs.RecordError(ctx, err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	// step 3: action determination
	action, err := o.engine.Determine(req.Cause, req.Input)
	if err != nil {
		o.obs.RecordError(ctx, err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	// step 4: law application. From here on the cycle is fail-soft.
	active, err := o.ledger.ActiveLaw()
	if err != nil {
		return nil, &DependenciesNotMetError{Failing: []string{DepActiveLaw}}
	}

	// The audit record must land even if the caller goes away mid-cycle;
	// from here on only the cycle deadline bounds the work.
	detached := context.WithoutCancel(ctx)
	deadline, cancel := context.WithTimeout(detached, o.deadline)
	defer cancel()

	started := o.clock()
	draft := snapshot.Draft{
		Context:           req.Cause,
		Input:             req.Input,
		Action:            action.Kind,
		AppliedLawVersion: active.Version,
		AgentSignature:    req.AgentSignature,
		Step:              4,
	}

	// step 5: reaction registration via the external dispatcher
	output, dispatchErr := o.dispatcher.Dispatch(deadline, action, req.Input)
	if output == nil {
		output = map[string]any{}
	}
	timedOut := errors.Is(dispatchErr, context.DeadlineExceeded) || deadline.Err() != nil

	switch {
	case timedOut:
		draft.Reaction = "dispatch aborted at deadline"
		output["error"] = "cycle deadline exceeded during reaction step"
	case dispatchErr != nil:
		draft.Reaction = "dispatch failed"
		output["error"] = dispatchErr.Error()
	default:
		draft.Reaction = "action dispatched"
	}
	draft.Step = 5

	// step 6: output evaluation, pattern analysis, persistence
	output["duration_ms"] = float64(o.clock().Sub(started)) / float64(time.Millisecond)
	if req.ExpectedOutcome != nil {
		output["outcome_matched"] = outcomeMatches(output, req.ExpectedOutcome)
	}
	draft.Output = output
	draft.Step = 6
	draft.ComplianceVerified = dispatchErr == nil && !timedOut

	if err := o.window.Load(detached, o.store); err != nil {
		o.logger.Warn("memory window load failed, analyzing without history", "error", err)
	}
	history := o.window.Snapshots()
	_, deviation := o.detector.Analyze(history, draft, active.Params)
	draft.Deviation = deviation

	snap, err := o.store.Create(detached, draft)
	if err != nil {
		if errors.Is(err, snapshot.ErrValidationFailed) {
			o.logger.Error("snapshot validation failed, writing partial record", "error", err)
			partial, perr := o.writePartial(detached, draft, err)
			if perr != nil {
				return nil, errors.Join(ErrSnapshotValidationFailed, perr)
			}
			return partial, ErrSnapshotValidationFailed
		}
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}
	o.window.Add(snap)

	o.obs.RecordCycle(ctx, action.Kind, snap.ComplianceVerified, o.clock().Sub(started))
	if deviation != nil {
		o.obs.RecordDeviation(ctx, deviation.Kind, string(deviation.Severity))
	}

	o.logger.Info("cycle complete",
		"snapshot", snap.ID,
		"action", action.Kind,
		"law", active.Version,
		"verified", snap.ComplianceVerified,
	)

	if deviation != nil && o.detector.IsSystematic(history, deviation, active.Params) {
		o.escalate(snap, deviation, active)
	}

	if timedOut {
		return snap, ErrCycleTimeout
	}
	return snap, nil
}

// writePartial persists a best-effort record for a cycle whose draft
// failed validation. Placeholders keep the record structurally complete;
// compliance stays unverified and the cause is preserved in the output.
func (o *Orchestrator) writePartial(ctx context.Context, draft snapshot.Draft, cause error) (*snapshot.Snapshot, error) {
	if draft.Context == "" {
		draft.Context = "unknown cause"
	}
	if len(draft.Input) == 0 {
		draft.Input = map[string]any{"request": "unavailable"}
	}
	if draft.Action == "" {
		draft.Action = rules.ActionGeneral
	}
	if draft.Reaction == "" {
		draft.Reaction = "cycle aborted"
	}
	if draft.AgentSignature == "" {
		draft.AgentSignature = "system/recovery"
	}
	if draft.Output == nil {
		draft.Output = map[string]any{}
	}
	draft.Output["error"] = fmt.Sprintf("partial record: %v", cause)
	draft.Step = 6
	draft.ComplianceVerified = false
	return o.store.Create(ctx, draft)
}

// escalate opens a governance proposal for a systematic deviation,
// throttled so a burst of identical deviations yields one proposal, not
// one per cycle. Throttled or refused attempts land in the activity log.
func (o *Orchestrator) escalate(snap *snapshot.Snapshot, dev *snapshot.Deviation, active *law.Law) {
	reason := fmt.Sprintf("systematic deviation: %s (severity %s)", dev.Reason, dev.Severity)

	if !o.limiter.Allow() {
		if err := o.ledger.Escalate(reason, map[string]any{
			"snapshot_id": snap.ID,
			"throttled":   true,
		}); err != nil {
			o.logger.Error("escalation log append failed", "error", err)
		}
		return
	}

	proposal, err := o.ledger.Open(active.Params, "system/pattern-detector", reason, snap.ID)
	if err != nil {
		o.logger.Error("proposal open failed", "error", err)
		return
	}
	o.obs.RecordProposal(context.Background())
	if err := o.ledger.StartVoting(proposal.ID); err != nil {
		if errors.Is(err, governance.ErrVotingInProgress) {
			o.logger.Info("proposal queued behind active vote", "proposal", proposal.ID)
		} else {
			o.logger.Error("start voting failed", "proposal", proposal.ID, "error", err)
		}
	}
	o.logger.Warn("systematic deviation escalated",
		"proposal", proposal.ID,
		"snapshot", snap.ID,
		"severity", dev.Severity,
	)
}

// outcomeMatches checks every expected key against the actual output.
func outcomeMatches(output, expected map[string]any) bool {
	for k, want := range expected {
		got, ok := output[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
