package description

import (
	"time"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
)

// Source records how a description was produced.
type Source string

const (
	SourceGeneration Source = "generation"
	SourceInference  Source = "inference"
	SourceManual     Source = "manual"
)

// RuleType selects how a RuleConfig is turned into a rule.
type RuleType string

const (
	RuleBuiltin   RuleType = "builtin"
	RuleScript    RuleType = "script"
	RuleLLM       RuleType = "llm"
	RuleComposite RuleType = "composite"
)

// Description configures an automaton over a structural graph: default
// activation, per-node stability and the rule set.
type Description struct {
	Meta     Meta         `yaml:"meta" json:"meta"`
	Defaults Defaults     `yaml:"defaults" json:"defaults"`
	Nodes    []NodeConfig `yaml:"nodes,omitempty" json:"nodes,omitempty"`
	Rules    []RuleConfig `yaml:"rules,omitempty" json:"rules,omitempty"`
}

type Meta struct {
	Name        string `yaml:"name" json:"name"`
	GeneratedAt string `yaml:"generated_at,omitempty" json:"generated_at,omitempty"`
	Source      Source `yaml:"source,omitempty" json:"source,omitempty"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
}

type Defaults struct {
	InitialActivation  float64 `yaml:"initial_activation" json:"initial_activation"`
	DefaultRule        string  `yaml:"default_rule" json:"default_rule"`
	DampingCoefficient float64 `yaml:"damping_coefficient" json:"damping_coefficient"`
}

// DefaultDefaults mirrors the values applied to missing fields on load.
func DefaultDefaults() Defaults {
	return Defaults{DefaultRule: "identity", DampingCoefficient: 0.5}
}

// NodeConfig overrides one node. Stability in [0,1] slows activation
// change under damped propagation.
type NodeConfig struct {
	ID        graph.NodeID   `yaml:"id" json:"id"`
	Path      string         `yaml:"path" json:"path"`
	Kind      graph.Kind     `yaml:"kind,omitempty" json:"kind,omitempty"`
	Stability *float64       `yaml:"stability,omitempty" json:"stability,omitempty"`
	Rule      string         `yaml:"rule,omitempty" json:"rule,omitempty"`
	Payload   map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// RuleConfig declares a named rule. Script carries inline JavaScript for
// script rules, or Params["file"] names a script file. Composite rules list
// previously declared rule names in Rules.
type RuleConfig struct {
	Name         string         `yaml:"name" json:"name"`
	Type         RuleType       `yaml:"type" json:"type"`
	Priority     int            `yaml:"priority,omitempty" json:"priority,omitempty"`
	Script       string         `yaml:"script,omitempty" json:"script,omitempty"`
	SystemPrompt string         `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Params       map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Rules        []string       `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// Float returns a numeric param, or def when it is absent or not a number.
func (c RuleConfig) Float(key string, def float64) float64 {
	switch v := c.Params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// String returns a string param.
func (c RuleConfig) String(key string) string {
	s, _ := c.Params[key].(string)
	return s
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
