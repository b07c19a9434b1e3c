// Package rules maps a cycle's cause and input to a typed action. The
// mapping is a prioritized list of CEL guard expressions compiled and
// validated when the engine is built, not at call time.
package rules

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
)

var (
	ErrNoRule      = errors.New("no rule matched")
	ErrInvalidRule = errors.New("invalid rule")
)

// Action kinds the orchestrator knows how to execute.
const (
	ActionComplianceCheck = "compliance-check"
	ActionPatternAnalysis = "pattern-analysis"
	ActionLawUpdate       = "law-update"
	ActionGeneral         = "general-execution"
)

// Action is the typed outcome of rule evaluation.
type Action struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// Rule guards one action kind behind a CEL expression over the cycle's
// cause and input. Higher priority wins; ties break on name.
type Rule struct {
	Name     string `json:"name" yaml:"name"`
	Kind     string `json:"kind" yaml:"kind"`
	When     string `json:"when" yaml:"when"`
	Priority int    `json:"priority" yaml:"priority"`
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// Engine evaluates the rule list. Programs are compiled once; Determine
// is safe for concurrent use.
type Engine struct {
	rules []compiledRule
}

// DefaultRules covers the built-in action kinds. Causes naming
// compliance, analysis or law changes get dedicated actions; everything
// else falls through to general execution.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "compliance",
			Kind:     ActionComplianceCheck,
			When:     `cause.contains("compliance") || cause.contains("audit")`,
			Priority: 30,
		},
		{
			Name:     "analysis",
			Kind:     ActionPatternAnalysis,
			When:     `cause.contains("pattern") || cause.contains("analysis") || cause.contains("deviation")`,
			Priority: 20,
		},
		{
			Name:     "law-update",
			Kind:     ActionLawUpdate,
			When:     `cause.contains("law") || cause.contains("update")`,
			Priority: 10,
		},
		{
			Name:     "general",
			Kind:     ActionGeneral,
			When:     `true`,
			Priority: 0,
		},
	}
}

// NewEngine compiles every rule. A rule that does not compile, or whose
// guard is not boolean, fails construction rather than the first cycle
// that hits it.
func NewEngine(ruleSet []Rule) (*Engine, error) {
	if len(ruleSet) == 0 {
		ruleSet = DefaultRules()
	}
	env, err := cel.NewEnv(
		cel.Variable("cause", cel.StringType),
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create rule environment: %w", err)
	}

	compiled := make([]compiledRule, 0, len(ruleSet))
	for _, r := range ruleSet {
		if r.Name == "" || r.Kind == "" || r.When == "" {
			return nil, fmt.Errorf("%w: %q needs name, kind and when", ErrInvalidRule, r.Name)
		}
		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRule, r.Name, issues.Err())
		}
		if ast.OutputType().String() != cel.BoolType.String() {
			return nil, fmt.Errorf("%w: %q guard must be boolean, got %s", ErrInvalidRule, r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRule, r.Name, err)
		}
		compiled = append(compiled, compiledRule{Rule: r, prg: prg})
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority == compiled[j].Priority {
			return compiled[i].Name < compiled[j].Name
		}
		return compiled[i].Priority > compiled[j].Priority
	})
	return &Engine{rules: compiled}, nil
}

// Determine returns the action of the highest-priority rule whose guard
// holds for the given cause and input.
func (e *Engine) Determine(cause string, input map[string]any) (Action, error) {
	if input == nil {
		input = map[string]any{}
	}
	vars := map[string]any{"cause": cause, "input": input}

	for _, r := range e.rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			return Action{}, fmt.Errorf("evaluate rule %q: %w", r.Name, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return Action{}, fmt.Errorf("%w: %q guard returned non-bool", ErrInvalidRule, r.Name)
		}
		if matched {
			return Action{Kind: r.Kind, Params: map[string]any{"rule": r.Name}}, nil
		}
	}
	return Action{}, fmt.Errorf("%w for cause %q", ErrNoRule, cause)
}

// Kinds returns the distinct action kinds the engine can produce, used
// by startup validation to check every kind has a handler.
func (e *Engine) Kinds() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range e.rules {
		if !seen[r.Kind] {
			seen[r.Kind] = true
			out = append(out, r.Kind)
		}
	}
	return out
}
