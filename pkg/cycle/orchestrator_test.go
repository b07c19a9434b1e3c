package cycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mupoese/lawcycle/pkg/governance"
	"github.com/mupoese/lawcycle/pkg/law"
	"github.com/mupoese/lawcycle/pkg/memwin"
	"github.com/mupoese/lawcycle/pkg/pattern"
	"github.com/mupoese/lawcycle/pkg/rules"
	"github.com/mupoese/lawcycle/pkg/snapshot"
)

func okDispatcher() Dispatcher {
	return DispatcherFunc(func(_ context.Context, _ rules.Action, _ map[string]any) (map[string]any, error) {
		return map[string]any{"result": "ok"}, nil
	})
}

type testRig struct {
	orch   *Orchestrator
	store  *snapshot.FileStore
	window *memwin.Window
	ledger *governance.Ledger
	now    time.Time
}

func newRig(t *testing.T, dispatcher Dispatcher, deadline time.Duration) *testRig {
	t.Helper()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store, err := snapshot.OpenFileStore(t.TempDir())
	require.NoError(t, err)
	store.WithClock(func() time.Time { return now })

	cfg := law.DefaultConfig()
	cfg.Voters = []string{"alice", "bob", "carol"}
	ledger, err := governance.NewLedger(cfg, governance.NewLog())
	require.NoError(t, err)

	window := memwin.New(cfg.MaxMemoryWindow, cfg.MaxMemoryBytes)
	orch, err := New(Config{
		Store:      store,
		Window:     window,
		Ledger:     ledger,
		Detector:   pattern.New().WithClock(func() time.Time { return now }),
		Dispatcher: dispatcher,
		Deadline:   deadline,
	})
	require.NoError(t, err)
	orch.WithClock(func() time.Time { return now })

	return &testRig{orch: orch, store: store, window: window, ledger: ledger, now: now}
}

func request(cause string) Request {
	return Request{
		Cause:          cause,
		Input:          map[string]any{"request": "audit"},
		AgentSignature: "agent_core/test",
	}
}

func TestRunCycleProducesCompleteSnapshot(t *testing.T) {
	rig := newRig(t, okDispatcher(), 0)

	snap, err := rig.orch.RunCycle(context.Background(), request("compliance check requested"))
	require.NoError(t, err)

	ok, missing := snapshot.Validate(snap)
	assert.True(t, ok, "missing fields: %v", missing)
	assert.Equal(t, 6, snap.Step)
	assert.True(t, snap.ComplianceVerified)
	assert.Equal(t, rules.ActionComplianceCheck, snap.Action)
	assert.Equal(t, "1.0.0", snap.AppliedLawVersion)
	assert.Contains(t, snap.Output, "duration_ms")
	assert.Equal(t, "ok", snap.Output["result"])

	// persisted and resident in the window
	got, err := rig.store.GetByID(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.Signature, got.Signature)
	_, resident := rig.window.Get(snap.ID)
	assert.True(t, resident)
}

func TestRunCycleFailsFastOnEmptyCause(t *testing.T) {
	rig := newRig(t, okDispatcher(), 0)

	_, err := rig.orch.RunCycle(context.Background(), Request{
		Input:          map[string]any{"request": "audit"},
		AgentSignature: "agent_core/test",
	})
	assert.ErrorIs(t, err, ErrEmptyCause)

	stats, err := rig.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Count, "fail-fast steps write no snapshot")
}

func TestRunCycleFailsFastOnInvalidInput(t *testing.T) {
	rig := newRig(t, okDispatcher(), 0)

	_, err := rig.orch.RunCycle(context.Background(), Request{
		Cause:          "compliance check",
		Input:          nil,
		AgentSignature: "agent_core/test",
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	stats, err := rig.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Count)
}

func TestRunCycleCapturesDispatchFailure(t *testing.T) {
	failing := DispatcherFunc(func(_ context.Context, _ rules.Action, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("collaborator unreachable")
	})
	rig := newRig(t, failing, 0)

	snap, err := rig.orch.RunCycle(context.Background(), request("scheduled job"))
	require.NoError(t, err, "dispatch failure is fail-soft")

	assert.False(t, snap.ComplianceVerified)
	assert.Equal(t, "collaborator unreachable", snap.Output["error"])
	assert.Equal(t, "dispatch failed", snap.Reaction)
	assert.Equal(t, 6, snap.Step)
}

func TestRunCycleTimeoutWritesPartialSnapshot(t *testing.T) {
	slow := DispatcherFunc(func(ctx context.Context, _ rules.Action, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rig := newRig(t, slow, 30*time.Millisecond)

	snap, err := rig.orch.RunCycle(context.Background(), request("scheduled job"))
	assert.ErrorIs(t, err, ErrCycleTimeout)
	require.NotNil(t, snap, "a partial snapshot is still written")

	assert.False(t, snap.ComplianceVerified)
	assert.Contains(t, snap.Output["error"], "deadline")

	got, err := rig.store.GetByID(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.False(t, got.ComplianceVerified)
}

func TestRunCycleSurvivesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	// the caller gives up mid-reaction; once law application has begun
	// the snapshot must still be written
	canceling := DispatcherFunc(func(_ context.Context, _ rules.Action, _ map[string]any) (map[string]any, error) {
		cancel()
		return map[string]any{"result": "ok"}, nil
	})
	rig := newRig(t, canceling, 0)

	snap, err := rig.orch.RunCycle(ctx, request("scheduled job"))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.ComplianceVerified)

	got, err := rig.store.GetByID(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, got.Step)
	_, resident := rig.window.Get(snap.ID)
	assert.True(t, resident)
}

func TestRunCycleEvaluatesExpectedOutcome(t *testing.T) {
	rig := newRig(t, okDispatcher(), 0)

	req := request("scheduled job")
	req.ExpectedOutcome = map[string]any{"result": "ok"}
	snap, err := rig.orch.RunCycle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, true, snap.Output["outcome_matched"])

	req = request("scheduled job two")
	req.ExpectedOutcome = map[string]any{"result": "something else"}
	snap, err = rig.orch.RunCycle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, false, snap.Output["outcome_matched"])
}

func TestSystematicRepetitionOpensOneProposal(t *testing.T) {
	rig := newRig(t, okDispatcher(), 0)
	ctx := context.Background()

	// the fifth identical (cause, action, output shape) execution trips
	// the repetition threshold and escalates to governance
	for i := 0; i < 4; i++ {
		_, err := rig.orch.RunCycle(ctx, request("compliance check requested"))
		require.NoError(t, err)
		assert.Empty(t, rig.ledger.ActiveProposals())
	}

	snap, err := rig.orch.RunCycle(ctx, request("compliance check requested"))
	require.NoError(t, err)
	require.NotNil(t, snap.Deviation)
	assert.Equal(t, pattern.KindRepetition, snap.Deviation.Kind)

	proposals := rig.ledger.ActiveProposals()
	require.Len(t, proposals, 1)
	assert.Equal(t, governance.StatusVoting, proposals[0].Status)
	assert.Contains(t, proposals[0].EvidenceIDs, snap.ID)
	assert.True(t, rig.ledger.ProtectedSnapshots()[snap.ID])

	// the sixth is throttled by the proposal cooldown: no second
	// proposal, an escalation entry in the activity log instead
	_, err = rig.orch.RunCycle(ctx, request("compliance check requested"))
	require.NoError(t, err)
	assert.Len(t, rig.ledger.ActiveProposals(), 1)

	throttled := false
	for _, e := range rig.ledger.Log().Entries() {
		if e.Type == governance.EventEscalation {
			throttled = true
		}
	}
	assert.True(t, throttled)
	assert.NoError(t, rig.ledger.Log().Verify())
}

func TestGateNamesFailingDependencies(t *testing.T) {
	store, err := snapshot.OpenFileStore(t.TempDir())
	require.NoError(t, err)

	// no ledger at all: no active law, no parameters
	gate := NewGate(store, memwin.New(10, 0), nil)
	checks := gate.CheckDependencies(context.Background())
	assert.True(t, checks[DepSnapshotStore])
	assert.True(t, checks[DepMemoryWindow])
	assert.False(t, checks[DepActiveLaw])
	assert.False(t, checks[DepLawParameters])

	err = gate.Require(context.Background())
	var depErr *DependenciesNotMetError
	require.ErrorAs(t, err, &depErr)
	assert.Contains(t, depErr.Failing, DepActiveLaw)
}

func TestRunCycleRefusesWhenStoreUnhealthy(t *testing.T) {
	dir := t.TempDir() + "/snaps"
	store, err := snapshot.OpenFileStore(dir)
	require.NoError(t, err)

	cfg := law.DefaultConfig()
	cfg.Voters = []string{"alice", "bob", "carol"}
	ledger, err := governance.NewLedger(cfg, governance.NewLog())
	require.NoError(t, err)

	dispatched := false
	orch, err := New(Config{
		Store:  store,
		Window: memwin.New(10, 0),
		Ledger: ledger,
		Dispatcher: DispatcherFunc(func(_ context.Context, _ rules.Action, _ map[string]any) (map[string]any, error) {
			dispatched = true
			return map[string]any{}, nil
		}),
	})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))

	_, err = orch.RunCycle(context.Background(), request("compliance check"))
	var depErr *DependenciesNotMetError
	require.ErrorAs(t, err, &depErr)
	assert.Contains(t, depErr.Failing, DepSnapshotStore)
	assert.False(t, dispatched, "dispatcher never invoked when the gate refuses")
}

func TestConcurrentCyclesKeepDistinctSnapshots(t *testing.T) {
	rig := newRig(t, okDispatcher(), 0)
	ctx := context.Background()

	const n = 12
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			snap, err := rig.orch.RunCycle(ctx, request(fmt.Sprintf("job %d", i)))
			if err != nil {
				results <- ""
				return
			}
			results <- snap.ID
		}(i)
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		id := <-results
		require.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate snapshot id %s", id)
		seen[id] = true
	}

	stats, err := rig.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, stats.Count)
}
