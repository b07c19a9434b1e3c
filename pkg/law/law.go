// Package law defines the versioned rule set that governs cycle behavior.
//
// Exactly one Law is active at a time. A new version becomes active only
// through an approved governance proposal; prior versions are kept as
// immutable history.
package law

import (
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

var (
	ErrInvalidVersion    = errors.New("invalid law version")
	ErrInvalidParameters = errors.New("invalid law parameters")
)

// Parameters are the tunable thresholds a Law carries. All thresholds must
// be strictly positive for the Law to be self-consistent.
type Parameters struct {
	DeviationThreshold  float64 `yaml:"deviation_threshold" json:"deviation_threshold"`
	RepetitionThreshold int     `yaml:"repetition_threshold" json:"repetition_threshold"`
	AnomalyThreshold    float64 `yaml:"anomaly_threshold" json:"anomaly_threshold"`
	AnalysisWindowHours int     `yaml:"analysis_window_hours" json:"analysis_window_hours"`
	MaxInputDepth       int     `yaml:"max_input_depth" json:"max_input_depth"`
}

// DefaultParameters returns the documented LAW-001 defaults.
func DefaultParameters() Parameters {
	return Parameters{
		DeviationThreshold:  0.1,
		RepetitionThreshold: 5,
		AnomalyThreshold:    2.0,
		AnalysisWindowHours: 24,
		MaxInputDepth:       8,
	}
}

// AnalysisWindow returns the analysis window as a duration.
func (p Parameters) AnalysisWindow() time.Duration {
	return time.Duration(p.AnalysisWindowHours) * time.Hour
}

// Validate checks the self-consistency of the parameters.
func (p Parameters) Validate() error {
	if p.DeviationThreshold <= 0 {
		return fmt.Errorf("%w: deviation_threshold must be > 0, got %v", ErrInvalidParameters, p.DeviationThreshold)
	}
	if p.RepetitionThreshold <= 0 {
		return fmt.Errorf("%w: repetition_threshold must be > 0, got %d", ErrInvalidParameters, p.RepetitionThreshold)
	}
	if p.AnomalyThreshold <= 0 {
		return fmt.Errorf("%w: anomaly_threshold must be > 0, got %v", ErrInvalidParameters, p.AnomalyThreshold)
	}
	if p.AnalysisWindowHours <= 0 {
		return fmt.Errorf("%w: analysis_window_hours must be > 0, got %d", ErrInvalidParameters, p.AnalysisWindowHours)
	}
	if p.MaxInputDepth <= 0 {
		return fmt.Errorf("%w: max_input_depth must be > 0, got %d", ErrInvalidParameters, p.MaxInputDepth)
	}
	return nil
}

// Law is one versioned rule set. Versions are semver strings so activation
// order is well defined.
type Law struct {
	Version     string     `json:"version"`
	Params      Parameters `json:"parameters"`
	Active      bool       `json:"active"`
	ActivatedAt time.Time  `json:"activated_at"`
}

// New validates version and parameters and returns an inactive Law.
func New(version string, params Parameters) (*Law, error) {
	if _, err := semver.StrictNewVersion(version); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, version, err)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Law{Version: version, Params: params}, nil
}

// NextVersion returns the minor-bumped successor of version.
func NextVersion(version string) (string, error) {
	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidVersion, version, err)
	}
	next := v.IncMinor()
	return next.String(), nil
}

// Newer reports whether version a is strictly newer than b.
func Newer(a, b string) (bool, error) {
	va, err := semver.StrictNewVersion(a)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, a, err)
	}
	vb, err := semver.StrictNewVersion(b)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, b, err)
	}
	return va.GreaterThan(vb), nil
}
