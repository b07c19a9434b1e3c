package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the server-backed variant of the snapshot store. Schema
// and contract match SQLiteStore; only placeholders and column types differ.
type PostgresStore struct {
	db    *sql.DB
	mu    sync.Mutex
	seq   uint64
	clock func() time.Time
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id TEXT PRIMARY KEY,
	seq BIGINT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL,
	context TEXT NOT NULL,
	input JSONB NOT NULL,
	action TEXT NOT NULL,
	applied_law_version TEXT NOT NULL,
	reaction TEXT NOT NULL,
	output JSONB NOT NULL,
	deviation JSONB,
	signature TEXT NOT NULL,
	cycle_step INT NOT NULL,
	compliance_verified BOOLEAN NOT NULL
)`

// NewPostgresStore migrates the schema and recovers the sequence counter.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, clock: time.Now}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("migrate snapshots: %w", err)
	}
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM snapshots`)
	if err := row.Scan(&s.seq); err != nil {
		return nil, fmt.Errorf("recover sequence: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

func (s *PostgresStore) Create(ctx context.Context, draft Draft) (*Snapshot, error) {
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
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		snap.ID, s.seq+1, snap.CreatedAt, snap.Context, string(inputJSON),
		snap.Action, snap.AppliedLawVersion, snap.Reaction, string(outputJSON),
		deviationJSON, snap.Signature, snap.Step, snap.ComplianceVerified,
	)
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	s.seq++
	return snap, nil
}

const postgresColumns = `snapshot_id, created_at, context, input, action,
	applied_law_version, reaction, output, deviation, signature, cycle_step,
	compliance_verified`

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postgresColumns+` FROM snapshots WHERE snapshot_id = $1`, id)
	snap, err := scanPostgresSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return snap, err
}

func (s *PostgresStore) Query(ctx context.Context, filter QueryFilter) ([]*Snapshot, error) {
	query := `SELECT ` + postgresColumns + ` FROM snapshots WHERE 1=1`
	args := make([]any, 0, 3)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Since != nil {
		query += ` AND created_at >= ` + arg(*filter.Since)
	}
	if filter.Until != nil {
		query += ` AND created_at <= ` + arg(*filter.Until)
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanPostgresSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(SUM(LENGTH(input::text) + LENGTH(output::text)), 0),
		COALESCE(MIN(created_at), 'epoch'::timestamptz),
		COALESCE(MAX(created_at), 'epoch'::timestamptz)
		FROM snapshots`)
	var st Stats
	if err := row.Scan(&st.Count, &st.Bytes, &st.Oldest, &st.Newest); err != nil {
		return Stats{}, fmt.Errorf("snapshot stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) Cleanup(ctx context.Context, cutoff time.Time, protected map[string]bool) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot_id FROM snapshots WHERE created_at < $1`, cutoff)
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
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM snapshots WHERE snapshot_id = $1`, id); err != nil {
			return removed, fmt.Errorf("cleanup delete %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanPostgresSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap          Snapshot
		inputJSON     string
		outputJSON    string
		deviationJSON sql.NullString
	)
	err := row.Scan(&snap.ID, &snap.CreatedAt, &snap.Context, &inputJSON,
		&snap.Action, &snap.AppliedLawVersion, &snap.Reaction, &outputJSON,
		&deviationJSON, &snap.Signature, &snap.Step, &snap.ComplianceVerified)
	if err != nil {
		return nil, err
	}
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
