package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists snapshots in a single table. The caller owns the
// *sql.DB (typically opened with the "sqlite" driver).
type SQLiteStore struct {
	db       *sql.DB
	mu       sync.Mutex // guards seq assignment
	seq      uint64
	archiver Archiver
	clock    func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL UNIQUE,
	created_at TEXT NOT NULL,
	context TEXT NOT NULL,
	input JSON NOT NULL,
	action TEXT NOT NULL,
	applied_law_version TEXT NOT NULL,
	reaction TEXT NOT NULL,
	output JSON NOT NULL,
	deviation JSON,
	signature TEXT NOT NULL,
	cycle_step INTEGER NOT NULL,
	compliance_verified INTEGER NOT NULL
);`

// NewSQLiteStore migrates the schema and recovers the sequence counter.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrate snapshots: %w", err)
	}
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM snapshots`)
	if err := row.Scan(&s.seq); err != nil {
		return nil, fmt.Errorf("recover sequence: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

// SetArchiver installs an archive hook invoked before retention deletes.
func (s *SQLiteStore) SetArchiver(a Archiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archiver = a
}

func (s *SQLiteStore) Create(ctx context.Context, draft Draft) (*Snapshot, error) {
	if missing := ValidateDraft(draft); len(missing) > 0 {
		return nil, draftError(missing)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := seal(draft, s.seq+1, s.clock())
	if err != nil {
		return nil, err
	}

	inputJSON, err := json.Marshal(snap.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	outputJSON, err := json.Marshal(snap.Output)
	if err != nil {
		return nil, fmt.Errorf("marshal output: %w", err)
	}
	var deviationJSON any
	if snap.Deviation != nil {
		b, err := json.Marshal(snap.Deviation)
		if err != nil {
			return nil, fmt.Errorf("marshal deviation: %w", err)
		}
		deviationJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO snapshots (
		snapshot_id, seq, created_at, context, input, action,
		applied_law_version, reaction, output, deviation, signature,
		cycle_step, compliance_verified
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, s.seq+1, snap.CreatedAt.Format(time.RFC3339Nano), snap.Context,
		string(inputJSON), snap.Action, snap.AppliedLawVersion, snap.Reaction,
		string(outputJSON), deviationJSON, snap.Signature, snap.Step,
		boolToInt(snap.ComplianceVerified),
	)
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	s.seq++
	return snap, nil
}

const sqliteColumns = `snapshot_id, created_at, context, input, action,
	applied_law_version, reaction, output, deviation, signature, cycle_step,
	compliance_verified`

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM snapshots WHERE snapshot_id = ?`, id)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return snap, err
}

func (s *SQLiteStore) Query(ctx context.Context, filter QueryFilter) ([]*Snapshot, error) {
	query := `SELECT ` + sqliteColumns + ` FROM snapshots WHERE 1=1`
	args := make([]any, 0, 3)
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if filter.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, filter.Until.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(SUM(LENGTH(input) + LENGTH(output)), 0),
		COALESCE(MIN(created_at), ''), COALESCE(MAX(created_at), '')
		FROM snapshots`)
	var st Stats
	var oldest, newest string
	if err := row.Scan(&st.Count, &st.Bytes, &oldest, &newest); err != nil {
		return Stats{}, fmt.Errorf("snapshot stats: %w", err)
	}
	st.Oldest = parseTime(oldest)
	st.Newest = parseTime(newest)
	return st, nil
}

func (s *SQLiteStore) Cleanup(ctx context.Context, cutoff time.Time, protected map[string]bool) (int, error) {
	since := cutoff.UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot_id FROM snapshots WHERE created_at < ?`, since)
	if err != nil {
		return 0, fmt.Errorf("cleanup scan: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		if !protected[id] {
			candidates = append(candidates, id)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range candidates {
		if s.archiver != nil {
			snap, err := s.GetByID(ctx, id)
			if err == nil {
				err = s.archiver.Archive(ctx, snap)
			}
			if err != nil {
				continue
			}
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM snapshots WHERE snapshot_id = ?`, id); err != nil {
			return removed, fmt.Errorf("cleanup delete %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap          Snapshot
		createdAt     string
		inputJSON     string
		outputJSON    string
		deviationJSON sql.NullString
		verified      int
	)
	err := row.Scan(&snap.ID, &createdAt, &snap.Context, &inputJSON, &snap.Action,
		&snap.AppliedLawVersion, &snap.Reaction, &outputJSON, &deviationJSON,
		&snap.Signature, &snap.Step, &verified)
	if err != nil {
		return nil, err
	}
	snap.CreatedAt = parseTime(createdAt)
	snap.ComplianceVerified = verified != 0
	if err := json.Unmarshal([]byte(inputJSON), &snap.Input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if err := json.Unmarshal([]byte(outputJSON), &snap.Output); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if deviationJSON.Valid && deviationJSON.String != "" {
		var dev Deviation
		if err := json.Unmarshal([]byte(deviationJSON.String), &dev); err != nil {
			return nil, fmt.Errorf("decode deviation: %w", err)
		}
		snap.Deviation = &dev
	}
	return &snap, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
