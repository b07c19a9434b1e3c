package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDraft() Draft {
	return Draft{
		Context:            "compliance check requested",
		Input:              map[string]any{"request": "audit", "expected": "ok"},
		Action:             "perform-compliance-check",
		AppliedLawVersion:  "1.0.0",
		Reaction:           "action executed",
		Output:             map[string]any{"result": "ok", "duration_ms": 12.5},
		AgentSignature:     "agent_core/law_engine",
		Step:               6,
		ComplianceVerified: true,
	}
}

func TestValidateDraftComplete(t *testing.T) {
	assert.Empty(t, ValidateDraft(validDraft()))
}

func TestValidateDraftMissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Draft)
		field  string
	}{
		{"context", func(d *Draft) { d.Context = "" }, "context"},
		{"input", func(d *Draft) { d.Input = nil }, "input"},
		{"action", func(d *Draft) { d.Action = "" }, "action"},
		{"law", func(d *Draft) { d.AppliedLawVersion = "" }, "applied_law_version"},
		{"reaction", func(d *Draft) { d.Reaction = "" }, "reaction"},
		{"output", func(d *Draft) { d.Output = nil }, "output"},
		{"signature", func(d *Draft) { d.AgentSignature = "" }, "signature"},
		{"step", func(d *Draft) { d.Step = 7 }, "cycle_step"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDraft()
			tc.mutate(&d)
			assert.Contains(t, ValidateDraft(d), tc.field)
		})
	}
}

func TestValidateDraftVerifiedRequiresStepSix(t *testing.T) {
	d := validDraft()
	d.Step = 4
	d.ComplianceVerified = true
	assert.Contains(t, ValidateDraft(d), "compliance_verified")

	d.ComplianceVerified = false
	assert.Empty(t, ValidateDraft(d), "partial drafts may carry step < 6")
}

func TestValidateSnapshot(t *testing.T) {
	snap, err := seal(validDraft(), 1, time.Now())
	require.NoError(t, err)

	ok, bad := Validate(snap)
	assert.True(t, ok)
	assert.Empty(t, bad)

	snap.Signature = ""
	snap.Context = ""
	ok, bad = Validate(snap)
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"signature", "context"}, bad)
}

func TestSealSignatureDeterministic(t *testing.T) {
	now := time.Now()
	s1, err := seal(validDraft(), 1, now)
	require.NoError(t, err)
	s2, err := seal(validDraft(), 1, now)
	require.NoError(t, err)

	assert.Equal(t, s1.Signature, s2.Signature)
	assert.Contains(t, s1.Signature, "agent_core/law_engine/")
}

func TestSealStampsDeviation(t *testing.T) {
	d := validDraft()
	d.Deviation = &Deviation{Severity: SeverityMedium, Reason: "output drift", Kind: "deviation"}
	snap, err := seal(d, 3, time.Now())
	require.NoError(t, err)
	assert.Equal(t, snap.ID, snap.Deviation.SnapshotID)
	// original draft untouched
	assert.Empty(t, d.Deviation.SnapshotID)
}

func TestFormatIDOrdersLexicographically(t *testing.T) {
	now := time.Now()
	a := FormatID(9, now)
	b := FormatID(10, now.Add(time.Second))
	assert.Less(t, a, b)
}

func TestOutputShape(t *testing.T) {
	a := OutputShape(map[string]any{"result": "ok", "count": 1.0})
	b := OutputShape(map[string]any{"count": 2.0, "result": "other"})
	c := OutputShape(map[string]any{"result": "ok"})

	assert.Equal(t, a, b, "shape depends on keys and types, not values")
	assert.NotEqual(t, a, c)
}
