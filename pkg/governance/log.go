package governance

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mupoese/lawcycle/pkg/canonicalize"
)

// Activity log event types.
const (
	EventProposalOpened   = "proposal_opened"
	EventVotingStarted    = "voting_started"
	EventVoteCast         = "vote_cast"
	EventProposalResolved = "proposal_resolved"
	EventLawActivated     = "law_activated"
	EventEscalation       = "escalation"
)

// Entry is one governance activity record. Entries form a hash chain:
// each entry's hash covers its content plus the previous entry's hash,
// so any rewrite of history breaks verification from that point on.
type Entry struct {
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       string         `json:"type"`
	ProposalID string         `json:"proposal_id,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"hash"`
}

// Log is the append-only governance activity log. When opened with a
// path it persists entries as JSON lines; otherwise it is in-memory.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	path    string
	clock   func() time.Time
}

// NewLog builds an in-memory log.
func NewLog() *Log {
	return &Log{clock: time.Now}
}

// OpenLog loads an existing log file, verifies its chain, and appends
// to it. A missing file starts an empty log.
func OpenLog(path string) (*Log, error) {
	l := &Log{path: path, clock: time.Now}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open governance log: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("governance log entry %d: %w", len(l.entries)+1, err)
		}
		l.entries = append(l.entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read governance log: %w", err)
	}
	if err := l.Verify(); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append records an event and returns the sealed entry.
func (l *Log) Append(eventType, proposalID, actor string, detail map[string]any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Hash
	}
	e := Entry{
		Seq:        uint64(len(l.entries) + 1),
		Timestamp:  l.clock().UTC(),
		Type:       eventType,
		ProposalID: proposalID,
		Actor:      actor,
		Detail:     detail,
		PrevHash:   prev,
	}
	hash, err := entryHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = hash

	if l.path != "" {
		if err := l.persist(e); err != nil {
			return Entry{}, err
		}
	}
	l.entries = append(l.entries, e)
	return e, nil
}

func (l *Log) persist(e Entry) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("append governance log: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("append governance log: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append governance log: %w", err)
	}
	return f.Close()
}

// Entries returns a copy of the recorded entries in order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Verify walks the hash chain and reports the first break.
func (l *Log) Verify() error {
	prev := ""
	for i, e := range l.entries {
		if e.PrevHash != prev {
			return fmt.Errorf("governance log broken at seq %d: prev hash mismatch", e.Seq)
		}
		want, err := entryHash(e)
		if err != nil {
			return err
		}
		if e.Hash != want {
			return fmt.Errorf("governance log broken at seq %d: content hash mismatch", e.Seq)
		}
		if e.Seq != uint64(i+1) {
			return fmt.Errorf("governance log broken at seq %d: sequence gap", e.Seq)
		}
		prev = e.Hash
	}
	return nil
}

func entryHash(e Entry) (string, error) {
	e.Hash = ""
	hash, err := canonicalize.CanonicalHash(e)
	if err != nil {
		return "", fmt.Errorf("hash governance entry: %w", err)
	}
	return hash, nil
}
