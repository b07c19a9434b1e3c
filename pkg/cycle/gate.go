package cycle

import (
	"context"
	"sort"

	"github.com/mupoese/lawcycle/pkg/governance"
	"github.com/mupoese/lawcycle/pkg/memwin"
	"github.com/mupoese/lawcycle/pkg/snapshot"
)

// Dependency check keys reported by the gate.
const (
	DepSnapshotStore = "snapshot-store"
	DepMemoryWindow  = "memory-window"
	DepActiveLaw     = "active-law"
	DepLawParameters = "law-parameters"
)

// Gate verifies the orchestrator's dependencies before a cycle starts:
// the snapshot store is writable, the memory window is initialized, the
// ledger has an active law, and that law's parameters are consistent.
type Gate struct {
	store  snapshot.Store
	window *memwin.Window
	ledger *governance.Ledger
}

// NewGate wires the gate to the resources it checks.
func NewGate(store snapshot.Store, window *memwin.Window, ledger *governance.Ledger) *Gate {
	return &Gate{store: store, window: window, ledger: ledger}
}

// CheckDependencies runs every check and reports each outcome by key.
func (g *Gate) CheckDependencies(ctx context.Context) map[string]bool {
	checks := map[string]bool{
		DepSnapshotStore: false,
		DepMemoryWindow:  g.window != nil,
		DepActiveLaw:     false,
		DepLawParameters: false,
	}
	if g.store != nil && g.store.Ping(ctx) == nil {
		checks[DepSnapshotStore] = true
	}
	if g.ledger != nil {
		if active, err := g.ledger.ActiveLaw(); err == nil {
			checks[DepActiveLaw] = true
			checks[DepLawParameters] = active.Params.Validate() == nil
		}
	}
	return checks
}

// Require returns a DependenciesNotMetError naming every failing check,
// or nil when all pass.
func (g *Gate) Require(ctx context.Context) error {
	checks := g.CheckDependencies(ctx)
	var failing []string
	for key, ok := range checks {
		if !ok {
			failing = append(failing, key)
		}
	}
	if len(failing) == 0 {
		return nil
	}
	sort.Strings(failing)
	return &DependenciesNotMetError{Failing: failing}
}
