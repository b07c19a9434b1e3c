// Package pattern implements deterministic statistical analysis over a
// window of snapshots. Detection is a pure function of its inputs; the
// same window and candidate always produce the same result.
package pattern

import (
	"fmt"
	"math"
	"time"

	"github.com/mupoese/lawcycle/pkg/law"
	"github.com/mupoese/lawcycle/pkg/snapshot"
)

// Pattern kinds.
const (
	KindRepetition = "repetition"
	KindAnomaly    = "anomaly"
	KindTrend      = "trend"
	KindDeviation  = "deviation"
)

// Stable deviation reasons. Kept free of metric values so systematic
// detection can compare reasons across snapshots.
const (
	ReasonRepetition = "repeated execution tuple"
	ReasonDeviation  = "output drift beyond threshold"
	ReasonAnomaly    = "execution duration anomaly"
)

// Pattern is one aggregate statistic computed during an analysis call.
// Patterns are not persisted; only the Deviation they may produce is.
type Pattern struct {
	Kind        string  `json:"kind"`
	MetricValue float64 `json:"metric_value"`
	Threshold   float64 `json:"threshold"`
	WindowSize  int     `json:"window_size"`
	Reason      string  `json:"reason"`
}

// Detector runs the three detection algorithms. It carries no state
// besides a clock and may be shared across concurrent cycles.
type Detector struct {
	clock func() time.Time
}

// New builds a detector using the wall clock.
func New() *Detector {
	return &Detector{clock: time.Now}
}

// WithClock overrides the clock for testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Analyze runs repetition, deviation and anomaly detection for the
// candidate against the window. It returns every computed pattern plus
// at most one Deviation summarizing the flagged ones.
func (d *Detector) Analyze(window []*snapshot.Snapshot, candidate snapshot.Draft, params law.Parameters) ([]Pattern, *snapshot.Deviation) {
	patterns := []Pattern{
		d.repetition(window, candidate, params),
		d.deviation(window, candidate, params),
		d.anomaly(window, candidate, params),
	}

	var flagged []Pattern
	for _, p := range patterns {
		if d.flags(p) {
			flagged = append(flagged, p)
		}
	}
	if len(flagged) == 0 {
		return patterns, nil
	}

	return patterns, &snapshot.Deviation{
		Severity: severity(flagged),
		Reason:   reasonFor(flagged[0].Kind),
		Kind:     flagged[0].Kind,
	}
}

// flags applies the per-kind boundary rule: deviation is strict greater
// than its threshold, repetition and anomaly are greater or equal.
func (d *Detector) flags(p Pattern) bool {
	if p.Kind == KindDeviation {
		return p.MetricValue > p.Threshold
	}
	return p.Threshold > 0 && p.MetricValue >= p.Threshold
}

// repetition counts window snapshots whose (context, action, output
// shape) tuple matches the candidate. The candidate itself is included
// in the count, so the fifth identical execution trips a threshold of 5.
func (d *Detector) repetition(window []*snapshot.Snapshot, candidate snapshot.Draft, params law.Parameters) Pattern {
	shape := snapshot.OutputShape(candidate.Output)
	count := 1
	for _, s := range window {
		if s.Context == candidate.Context && s.Action == candidate.Action &&
			snapshot.OutputShape(s.Output) == shape {
			count++
		}
	}
	return Pattern{
		Kind:        KindRepetition,
		MetricValue: float64(count),
		Threshold:   float64(params.RepetitionThreshold),
		WindowSize:  len(window),
		Reason:      fmt.Sprintf("tuple observed %d times against threshold %d", count, params.RepetitionThreshold),
	}
}

// deviation compares the candidate's numeric output signature to the
// rolling mean of the window. The relative difference must strictly
// exceed the threshold to flag.
func (d *Detector) deviation(window []*snapshot.Snapshot, candidate snapshot.Draft, params law.Parameters) Pattern {
	p := Pattern{
		Kind:       KindDeviation,
		Threshold:  params.DeviationThreshold,
		WindowSize: len(window),
	}
	cand, ok := numericSignature(candidate.Output)
	if !ok {
		p.Reason = "no numeric output signature"
		return p
	}

	var sum float64
	n := 0
	for _, s := range window {
		if v, ok := numericSignature(s.Output); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		p.Reason = "no history to compare against"
		return p
	}

	mean := sum / float64(n)
	p.MetricValue = relativeDiff(cand, mean)
	p.Reason = fmt.Sprintf("relative difference %.4f from rolling mean %.4f", p.MetricValue, mean)
	return p
}

// anomaly computes the z-score of the candidate's execution duration
// against the window. Requires at least two samples and spread.
func (d *Detector) anomaly(window []*snapshot.Snapshot, candidate snapshot.Draft, params law.Parameters) Pattern {
	p := Pattern{
		Kind:       KindAnomaly,
		Threshold:  params.AnomalyThreshold,
		WindowSize: len(window),
	}
	cand, ok := duration(candidate.Output)
	if !ok {
		p.Reason = "candidate has no duration metric"
		return p
	}

	var samples []float64
	for _, s := range window {
		if v, ok := duration(s.Output); ok {
			samples = append(samples, v)
		}
	}
	if len(samples) < 2 {
		p.Reason = "insufficient duration history"
		return p
	}

	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(len(samples))
	var variance float64
	for _, v := range samples {
		variance += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(variance / float64(len(samples)))
	if stddev == 0 {
		if cand == mean {
			p.Reason = "no spread, candidate on mean"
			return p
		}
		// any departure from a perfectly flat history is anomalous
		p.MetricValue = math.Inf(1)
		p.Reason = fmt.Sprintf("duration %.2fms departs from flat history at %.2fms", cand, mean)
		return p
	}

	p.MetricValue = math.Abs((cand - mean) / stddev)
	p.Reason = fmt.Sprintf("duration z-score %.4f over %d samples", p.MetricValue, len(samples))
	return p
}

// IsSystematic reports whether the deviation warrants a governance
// proposal. Repetition deviations are systematic by construction; other
// kinds become systematic once the same reason has appeared three or
// more times within the analysis window, candidate included.
func (d *Detector) IsSystematic(window []*snapshot.Snapshot, dev *snapshot.Deviation, params law.Parameters) bool {
	if dev == nil {
		return false
	}
	if dev.Kind == KindRepetition {
		return true
	}

	cutoff := d.clock().Add(-time.Duration(params.AnalysisWindowHours) * time.Hour)
	count := 1
	for _, s := range window {
		if s.Deviation == nil || s.CreatedAt.Before(cutoff) {
			continue
		}
		if s.Deviation.Reason == dev.Reason {
			count++
		}
	}
	return count >= 3
}

// severity grades the combined flags. Repetition alongside any other
// signal, or all three at once, is critical. Deviation plus anomaly is
// high. A lone deviation or anomaly is medium, a lone repetition low.
func severity(flagged []Pattern) snapshot.Severity {
	kinds := make(map[string]bool, len(flagged))
	for _, p := range flagged {
		kinds[p.Kind] = true
	}
	switch {
	case len(kinds) >= 2 && kinds[KindRepetition]:
		return snapshot.SeverityCritical
	case kinds[KindDeviation] && kinds[KindAnomaly]:
		return snapshot.SeverityHigh
	case kinds[KindDeviation] || kinds[KindAnomaly]:
		return snapshot.SeverityMedium
	default:
		return snapshot.SeverityLow
	}
}

func reasonFor(kind string) string {
	switch kind {
	case KindRepetition:
		return ReasonRepetition
	case KindDeviation:
		return ReasonDeviation
	default:
		return ReasonAnomaly
	}
}

// numericSignature is the mean of the top-level numeric output values.
func numericSignature(output map[string]any) (float64, bool) {
	var sum float64
	n := 0
	for _, v := range output {
		if f, ok := asFloat(v); ok {
			sum += f
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func duration(output map[string]any) (float64, bool) {
	if output == nil {
		return 0, false
	}
	return asFloat(output["duration_ms"])
}

func asFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case float32:
		return float64(f), true
	case int:
		return float64(f), true
	case int64:
		return float64(f), true
	default:
		return 0, false
	}
}

func relativeDiff(candidate, mean float64) float64 {
	if mean == 0 {
		if candidate == 0 {
			return 0
		}
		return 1
	}
	return math.Abs(candidate-mean) / math.Abs(mean)
}
