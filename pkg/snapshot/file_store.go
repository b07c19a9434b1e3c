package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore keeps one JSON object per file in a flat directory. Appends are
// write-temp-then-rename so readers never observe a half-written snapshot.
type FileStore struct {
	mu       sync.RWMutex
	dir      string
	seq      uint64
	index    []fileEntry // ordered by sequence
	byID     map[string]int
	archiver Archiver
	clock    func() time.Time
}

type fileEntry struct {
	id        string
	createdAt time.Time
	size      int64
}

// OpenFileStore opens dir (creating it if needed) and recovers the sequence
// counter from the existing files.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("open snapshot dir: %w", err)
	}
	s := &FileStore{
		dir:   dir,
		byID:  make(map[string]int),
		clock: time.Now,
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *FileStore) WithClock(clock func() time.Time) *FileStore {
	s.clock = clock
	return s
}

// SetArchiver installs an archive hook invoked before retention deletes.
func (s *FileStore) SetArchiver(a Archiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archiver = a
}

func (s *FileStore) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan snapshot dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "snap-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	// Zero-padded sequence prefix makes lexicographic order creation order.
	sort.Strings(names)

	for _, name := range names {
		snap, size, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			return fmt.Errorf("recover %s: %w", name, err)
		}
		var seq uint64
		if _, err := fmt.Sscanf(snap.ID, "snap-%012d", &seq); err != nil {
			return fmt.Errorf("recover %s: malformed id %q", name, snap.ID)
		}
		if seq > s.seq {
			s.seq = seq
		}
		s.byID[snap.ID] = len(s.index)
		s.index = append(s.index, fileEntry{id: snap.ID, createdAt: snap.CreatedAt, size: size})
	}
	return nil
}

func (s *FileStore) read(path string) (*Snapshot, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, 0, err
	}
	return &snap, int64(len(data)), nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Create appends a snapshot. Id assignment and index update happen under
// the lock; the rename makes the write atomic.
func (s *FileStore) Create(ctx context.Context, draft Draft) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if missing := ValidateDraft(draft); len(missing) > 0 {
		return nil, draftError(missing)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := seal(draft, s.seq+1, s.clock())
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".snap-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path(snap.ID)); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("commit snapshot: %w", err)
	}

	s.seq++
	s.byID[snap.ID] = len(s.index)
	s.index = append(s.index, fileEntry{id: snap.ID, createdAt: snap.CreatedAt, size: int64(len(data))})
	return snap, nil
}

func (s *FileStore) GetByID(ctx context.Context, id string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	_, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	snap, _, err := s.read(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	return snap, nil
}

func (s *FileStore) Query(ctx context.Context, filter QueryFilter) ([]*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	selected := make([]fileEntry, 0)
	for i := len(s.index) - 1; i >= 0; i-- {
		e := s.index[i]
		if filter.Since != nil && e.createdAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && e.createdAt.After(*filter.Until) {
			continue
		}
		selected = append(selected, e)
		if filter.Limit > 0 && len(selected) >= filter.Limit {
			break
		}
	}
	s.mu.RUnlock()

	out := make([]*Snapshot, 0, len(selected))
	for _, e := range selected {
		snap, _, err := s.read(s.path(e.id))
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", e.id, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *FileStore) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Count: len(s.index)}
	for i, e := range s.index {
		st.Bytes += e.size
		if i == 0 || e.createdAt.Before(st.Oldest) {
			st.Oldest = e.createdAt
		}
		if e.createdAt.After(st.Newest) {
			st.Newest = e.createdAt
		}
	}
	return st, nil
}

// Cleanup removes snapshots created before cutoff unless protected. When an
// archiver is installed, a snapshot that fails to archive is kept.
func (s *FileStore) Cleanup(ctx context.Context, cutoff time.Time, protected map[string]bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.index[:0]
	for _, e := range s.index {
		if !e.createdAt.Before(cutoff) || protected[e.id] {
			kept = append(kept, e)
			continue
		}
		if s.archiver != nil {
			snap, _, err := s.read(s.path(e.id))
			if err == nil {
				err = s.archiver.Archive(ctx, snap)
			}
			if err != nil {
				kept = append(kept, e)
				continue
			}
		}
		if err := os.Remove(s.path(e.id)); err != nil && !os.IsNotExist(err) {
			kept = append(kept, e)
			continue
		}
		delete(s.byID, e.id)
		removed++
	}
	s.index = kept
	for i, e := range s.index {
		s.byID[e.id] = i
	}
	return removed, nil
}

// Ping verifies the directory is writable.
func (s *FileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := os.CreateTemp(s.dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("snapshot dir not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}
