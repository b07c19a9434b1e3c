package law

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the governance configuration file. It is read at gate startup
// and re-read on every law activation.
type Config struct {
	ActiveLawVersion string     `yaml:"active_law_version"`
	Parameters       Parameters `yaml:"parameters"`

	QuorumSize          int      `yaml:"quorum_size"`
	ApprovalRatio       float64  `yaml:"approval_ratio"`
	VotingDeadlineHours int      `yaml:"voting_deadline_hours"`
	Voters              []string `yaml:"voters"`

	MaxMemoryWindow       int   `yaml:"max_memory_window"`
	MaxMemoryBytes        int64 `yaml:"max_memory_bytes"`
	SnapshotRetentionDays int   `yaml:"snapshot_retention_days"`
	CycleDeadlineSeconds  int   `yaml:"cycle_deadline_seconds"`
}

// DefaultConfig returns the documented defaults with an empty voter registry.
func DefaultConfig() *Config {
	return &Config{
		ActiveLawVersion:      "1.0.0",
		Parameters:            DefaultParameters(),
		QuorumSize:            3,
		ApprovalRatio:         0.667,
		VotingDeadlineHours:   168, // 7 days
		MaxMemoryWindow:       10,
		MaxMemoryBytes:        1 << 20,
		SnapshotRetentionDays: 30,
		CycleDeadlineSeconds:  30,
	}
}

// VotingDeadline returns the voting period as a duration.
func (c *Config) VotingDeadline() time.Duration {
	return time.Duration(c.VotingDeadlineHours) * time.Hour
}

// SnapshotRetentionAge returns the retention age as a duration.
func (c *Config) SnapshotRetentionAge() time.Duration {
	return time.Duration(c.SnapshotRetentionDays) * 24 * time.Hour
}

// CycleDeadline returns the per-cycle wall-clock deadline.
func (c *Config) CycleDeadline() time.Duration {
	return time.Duration(c.CycleDeadlineSeconds) * time.Second
}

// Validate checks quorum and threshold self-consistency.
func (c *Config) Validate() error {
	if err := c.Parameters.Validate(); err != nil {
		return err
	}
	if c.QuorumSize <= 0 {
		return fmt.Errorf("%w: quorum_size must be > 0, got %d", ErrInvalidParameters, c.QuorumSize)
	}
	if c.ApprovalRatio <= 0 || c.ApprovalRatio > 1 {
		return fmt.Errorf("%w: approval_ratio must be in (0,1], got %v", ErrInvalidParameters, c.ApprovalRatio)
	}
	if c.VotingDeadlineHours <= 0 {
		return fmt.Errorf("%w: voting_deadline_hours must be > 0, got %d", ErrInvalidParameters, c.VotingDeadlineHours)
	}
	if c.CycleDeadlineSeconds <= 0 {
		return fmt.Errorf("%w: cycle_deadline_seconds must be > 0, got %d", ErrInvalidParameters, c.CycleDeadlineSeconds)
	}
	if len(c.Voters) > 0 && len(c.Voters) < c.QuorumSize {
		return fmt.Errorf("%w: voter registry (%d) smaller than quorum (%d)", ErrInvalidParameters, len(c.Voters), c.QuorumSize)
	}
	return nil
}

// LoadConfig reads and validates a YAML governance configuration file.
// Missing numeric fields fall back to defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load governance config %q: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse governance config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv applies environment variable overrides on top of cfg.
func FromEnv(cfg *Config) *Config {
	if v := os.Getenv("LAWCYCLE_DEVIATION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Parameters.DeviationThreshold = f
		}
	}
	if v := os.Getenv("LAWCYCLE_REPETITION_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Parameters.RepetitionThreshold = n
		}
	}
	if v := os.Getenv("LAWCYCLE_ANOMALY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Parameters.AnomalyThreshold = f
		}
	}
	if v := os.Getenv("LAWCYCLE_QUORUM_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QuorumSize = n
		}
	}
	if v := os.Getenv("LAWCYCLE_CYCLE_DEADLINE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CycleDeadlineSeconds = n
		}
	}
	return cfg
}
