// Package memwin holds the bounded in-process window of recent snapshots
// that pattern analysis reads. The window is an LRU keyed by creation
// order with both an entry cap and a byte cap.
package memwin

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mupoese/lawcycle/pkg/snapshot"
)

// Stats describes the current window occupancy.
type Stats struct {
	Count    int   `json:"count"`
	Bytes    int64 `json:"bytes"`
	MaxCount int   `json:"max_count"`
	MaxBytes int64 `json:"max_bytes"`
	Evicted  int64 `json:"evicted"`
}

// Window is a fixed-budget cache of the most recent snapshots. Adding
// never fails and never blocks on eviction; the oldest entries are
// dropped until both budgets hold.
type Window struct {
	mu       sync.RWMutex
	order    *list.List // front = oldest, back = newest
	byID     map[string]*list.Element
	bytes    int64
	maxCount int
	maxBytes int64
	evicted  int64
}

type entry struct {
	snap *snapshot.Snapshot
	size int64
}

// New builds a window with the given budgets. Non-positive budgets are
// treated as unlimited on that axis.
func New(maxCount int, maxBytes int64) *Window {
	return &Window{
		order:    list.New(),
		byID:     make(map[string]*list.Element),
		maxCount: maxCount,
		maxBytes: maxBytes,
	}
}

// Add inserts a snapshot at the newest position and evicts oldest-first
// until the window fits its budgets. Re-adding an existing id refreshes
// its position.
func (w *Window) Add(snap *snapshot.Snapshot) {
	size := sizeOf(snap)

	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.byID[snap.ID]; ok {
		old := el.Value.(entry)
		w.bytes -= old.size
		el.Value = entry{snap: snap, size: size}
		w.order.MoveToBack(el)
		w.bytes += size
	} else {
		el := w.order.PushBack(entry{snap: snap, size: size})
		w.byID[snap.ID] = el
		w.bytes += size
	}

	for w.overBudget() {
		oldest := w.order.Front()
		if oldest == nil || oldest == w.order.Back() {
			break // never evict the entry just added
		}
		e := oldest.Value.(entry)
		w.order.Remove(oldest)
		delete(w.byID, e.snap.ID)
		w.bytes -= e.size
		w.evicted++
	}
}

func (w *Window) overBudget() bool {
	if w.maxCount > 0 && w.order.Len() > w.maxCount {
		return true
	}
	if w.maxBytes > 0 && w.bytes > w.maxBytes {
		return true
	}
	return false
}

// Snapshots returns the window contents oldest first. The slice is a
// copy; the snapshots themselves are shared and treated as immutable.
func (w *Window) Snapshots() []*snapshot.Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]*snapshot.Snapshot, 0, w.order.Len())
	for el := w.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(entry).snap)
	}
	return out
}

// Get returns the snapshot with the given id if it is resident.
func (w *Window) Get(id string) (*snapshot.Snapshot, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	el, ok := w.byID[id]
	if !ok {
		return nil, false
	}
	return el.Value.(entry).snap, true
}

// IDs returns the resident snapshot ids oldest first.
func (w *Window) IDs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]string, 0, w.order.Len())
	for el := w.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(entry).snap.ID)
	}
	return out
}

// Protected returns the resident ids as a set, the shape retention
// cleanup wants for its keep-list.
func (w *Window) Protected() map[string]bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make(map[string]bool, len(w.byID))
	for id := range w.byID {
		out[id] = true
	}
	return out
}

// Stats reports occupancy and lifetime eviction count.
func (w *Window) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Stats{
		Count:    w.order.Len(),
		Bytes:    w.bytes,
		MaxCount: w.maxCount,
		MaxBytes: w.maxBytes,
		Evicted:  w.evicted,
	}
}

// Load replaces the window contents with the most recent snapshots from
// the store, bounded by the window's entry budget.
func (w *Window) Load(ctx context.Context, store snapshot.Store) error {
	w.mu.RLock()
	limit := w.maxCount
	w.mu.RUnlock()

	// Query returns newest first; reverse so Add sees creation order.
	recent, err := store.Query(ctx, snapshot.QueryFilter{Limit: limit})
	if err != nil {
		return fmt.Errorf("load memory window: %w", err)
	}

	w.mu.Lock()
	w.order.Init()
	w.byID = make(map[string]*list.Element)
	w.bytes = 0
	w.mu.Unlock()

	for i := len(recent) - 1; i >= 0; i-- {
		w.Add(recent[i])
	}
	return nil
}

func sizeOf(snap *snapshot.Snapshot) int64 {
	b, err := json.Marshal(snap)
	if err != nil {
		return 0
	}
	return int64(len(b))
}
