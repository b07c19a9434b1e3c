package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("snapshot not found")
	ErrValidationFailed = errors.New("snapshot validation failed")
	ErrStoreClosed      = errors.New("snapshot store closed")
)

// QueryFilter selects snapshots by time range and count.
type QueryFilter struct {
	Since *time.Time
	Until *time.Time
	Limit int
}

// Stats summarizes a store's contents.
type Stats struct {
	Count  int       `json:"count"`
	Bytes  int64     `json:"bytes"`
	Oldest time.Time `json:"oldest"`
	Newest time.Time `json:"newest"`
}

// Archiver receives snapshots before retention cleanup removes them.
type Archiver interface {
	Archive(ctx context.Context, snap *Snapshot) error
}

// Store is an append-only snapshot store. Ids are strictly ordered within
// a store instance; writes are atomic so a crash never yields a partially
// written, readable snapshot.
type Store interface {
	// Create validates the draft, assigns an id and content signature and
	// appends the snapshot. Returns ErrValidationFailed when required
	// fields are missing.
	Create(ctx context.Context, draft Draft) (*Snapshot, error)

	// GetByID returns ErrNotFound when the id is unknown.
	GetByID(ctx context.Context, id string) (*Snapshot, error)

	// Query returns snapshots matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]*Snapshot, error)

	// Stats reports count, byte size and the age range of the store.
	Stats(ctx context.Context) (Stats, error)

	// Cleanup removes snapshots created before cutoff, skipping ids in
	// protected (snapshots referenced by open proposals). Returns the
	// number removed.
	Cleanup(ctx context.Context, cutoff time.Time, protected map[string]bool) (int, error)

	// Ping verifies the store is writable.
	Ping(ctx context.Context) error
}

func draftError(missing []string) error {
	return fmt.Errorf("%w: missing or invalid fields: %v", ErrValidationFailed, missing)
}
