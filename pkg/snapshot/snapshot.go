// Package snapshot defines the immutable execution snapshot record and its
// append-only stores.
//
// A snapshot is the audit record of one completed six-step cycle. All
// twelve fields must be present at creation time; once written a snapshot
// is never mutated. Ids combine a monotonic sequence number with the
// creation timestamp so they are totally ordered within a store instance,
// even under concurrent writers.
package snapshot

import (
	"fmt"
	"time"

	"github.com/mupoese/lawcycle/pkg/canonicalize"
)

// Severity grades a deviation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Deviation is a detected behavioral deviation attached to a snapshot.
// Immutable once attached.
type Deviation struct {
	Severity   Severity `json:"severity"`
	SnapshotID string   `json:"snapshot_id"`
	Reason     string   `json:"reason"`
	Kind       string   `json:"kind"`
}

// Snapshot is the persisted record of a completed cycle. Field names are
// stable and round-trip losslessly.
type Snapshot struct {
	ID                 string         `json:"snapshot_id"`
	Context            string         `json:"context"`
	Input              map[string]any `json:"input"`
	Action             string         `json:"action"`
	AppliedLawVersion  string         `json:"applied_law_version"`
	Reaction           string         `json:"reaction"`
	Output             map[string]any `json:"output"`
	Deviation          *Deviation     `json:"deviation"`
	Signature          string         `json:"signature"`
	CreatedAt          time.Time      `json:"created_at"`
	Step               int            `json:"cycle_step"`
	ComplianceVerified bool           `json:"compliance_verified"`
}

// Draft carries the content fields of a snapshot before the store assigns
// an id, timestamp and content signature. AgentSignature is the opaque
// identifier supplied by the caller; the store extends it with a
// deterministic content hash.
type Draft struct {
	Context            string
	Input              map[string]any
	Action             string
	AppliedLawVersion  string
	Reaction           string
	Output             map[string]any
	Deviation          *Deviation
	AgentSignature     string
	Step               int
	ComplianceVerified bool
}

// ValidateDraft returns the names of missing or invalid draft fields.
func ValidateDraft(d Draft) []string {
	var missing []string
	if d.Context == "" {
		missing = append(missing, "context")
	}
	if d.Input == nil {
		missing = append(missing, "input")
	}
	if d.Action == "" {
		missing = append(missing, "action")
	}
	if d.AppliedLawVersion == "" {
		missing = append(missing, "applied_law_version")
	}
	if d.Reaction == "" {
		missing = append(missing, "reaction")
	}
	if d.Output == nil {
		missing = append(missing, "output")
	}
	if d.AgentSignature == "" {
		missing = append(missing, "signature")
	}
	if d.Step < 1 || d.Step > 6 {
		missing = append(missing, "cycle_step")
	}
	if d.ComplianceVerified && d.Step != 6 {
		missing = append(missing, "compliance_verified")
	}
	return missing
}

// Validate is a pure structural check over a persisted snapshot. It returns
// false with the list of offending field names when any of the twelve
// required fields is absent or inconsistent. Deviation is nullable and not
// required.
func Validate(s *Snapshot) (bool, []string) {
	var bad []string
	if s == nil {
		return false, []string{"snapshot"}
	}
	if s.ID == "" {
		bad = append(bad, "snapshot_id")
	}
	if s.Context == "" {
		bad = append(bad, "context")
	}
	if s.Input == nil {
		bad = append(bad, "input")
	}
	if s.Action == "" {
		bad = append(bad, "action")
	}
	if s.AppliedLawVersion == "" {
		bad = append(bad, "applied_law_version")
	}
	if s.Reaction == "" {
		bad = append(bad, "reaction")
	}
	if s.Output == nil {
		bad = append(bad, "output")
	}
	if s.Signature == "" {
		bad = append(bad, "signature")
	}
	if s.CreatedAt.IsZero() {
		bad = append(bad, "created_at")
	}
	if s.Step < 1 || s.Step > 6 {
		bad = append(bad, "cycle_step")
	}
	if s.ComplianceVerified && s.Step != 6 {
		bad = append(bad, "compliance_verified")
	}
	return len(bad) == 0, bad
}

// ContentSignature computes the deterministic content hash portion of a
// snapshot signature from the draft's identity-bearing fields.
func ContentSignature(d Draft) (string, error) {
	h, err := canonicalize.CanonicalHash(map[string]any{
		"context":             d.Context,
		"input":               d.Input,
		"action":              d.Action,
		"applied_law_version": d.AppliedLawVersion,
	})
	if err != nil {
		return "", fmt.Errorf("content signature: %w", err)
	}
	return h[:16], nil
}

// seal turns a validated draft into a snapshot with the given sequence
// number and creation time.
func seal(d Draft, seq uint64, now time.Time) (*Snapshot, error) {
	content, err := ContentSignature(d)
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	s := &Snapshot{
		ID:                 FormatID(seq, now),
		Context:            d.Context,
		Input:              d.Input,
		Action:             d.Action,
		AppliedLawVersion:  d.AppliedLawVersion,
		Reaction:           d.Reaction,
		Output:             d.Output,
		Deviation:          d.Deviation,
		Signature:          d.AgentSignature + "/" + content,
		CreatedAt:          now,
		Step:               d.Step,
		ComplianceVerified: d.ComplianceVerified,
	}
	if s.Deviation != nil && s.Deviation.SnapshotID == "" {
		dev := *s.Deviation
		dev.SnapshotID = s.ID
		s.Deviation = &dev
	}
	return s, nil
}

// FormatID renders a snapshot id. The zero-padded sequence number leads so
// lexicographic order equals creation order.
func FormatID(seq uint64, ts time.Time) string {
	return fmt.Sprintf("snap-%012d-%d", seq, ts.UnixNano())
}

// OutputShape returns a stable fingerprint of the output's key structure,
// used by repetition detection.
func OutputShape(output map[string]any) string {
	if output == nil {
		return ""
	}
	shape := make(map[string]string, len(output))
	for k, v := range output {
		shape[k] = fmt.Sprintf("%T", v)
	}
	h, err := canonicalize.CanonicalHash(shape)
	if err != nil {
		return ""
	}
	return h[:16]
}
