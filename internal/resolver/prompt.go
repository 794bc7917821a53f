package resolver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/graph-automaton/internal/rule"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

// FeedbackAnnotation holds a model's reasoning on the produced state.
const FeedbackAnnotation = "llm:feedback"

// DefaultRuleID names transitions whose model reply carries no rule.
const DefaultRuleID state.RuleID = "llm_cognitive_unit"

// DefaultMemory is how many past transitions a prompt includes.
const DefaultMemory = 4

// SchemaDescription documents NextStateOutput for prompts.
const SchemaDescription = `{
  "rule": "string - the rule/behavior description for this unit",
  "state": "any - the next state as JSON (string, object, array, etc.)",
  "activation": "number (optional) - activation level from 0.0 to 1.0",
  "feedback": "string (optional) - reasoning or notes about the transition"
}`

// DefaultSystemPrompt instructs the model to act as one node. {schema} is
// replaced with SchemaDescription.
const DefaultSystemPrompt = `You are an LLM Cognitive Unit in a graph automaton. Your task is to compute your next state based on:
1. Your current state and rule
2. Your memory (recent history of states)
3. Your neighbors' current states

Respond ONLY with valid JSON matching this schema:
{schema}

Guidelines:
- If your rule is empty, propose a meaningful rule based on context
- The state can be any JSON value (string, number, object, array)
- Keep states concise but informative
- Consider neighbor states when computing your next state
- Activation should reflect confidence/energy (0.0 to 1.0)

Do NOT include explanations, markdown, or code blocks. Return only the raw JSON.`

// NextStateOutput is the structured reply expected from a model.
type NextStateOutput struct {
	Rule       string   `json:"rule"`
	State      any      `json:"state"`
	Activation *float64 `json:"activation,omitempty"`
	Feedback   string   `json:"feedback,omitempty"`
}

// Outcome converts the reply into a transition from current.
func (o NextStateOutput) Outcome(current state.StateData) rule.Outcome {
	next := current
	next.Payload = o.State
	if o.Activation != nil {
		next.Activation = *o.Activation
	}
	if o.Feedback != "" {
		next = next.Annotate(FeedbackAnnotation, o.Feedback)
	}
	id := state.RuleID(o.Rule)
	if id == "" {
		id = DefaultRuleID
	}
	return rule.Transition(next).By(id)
}

// SystemPrompt fills the schema placeholder of p, or of the default prompt
// when p is empty.
func SystemPrompt(p string) string {
	if p == "" {
		p = DefaultSystemPrompt
	}
	return strings.ReplaceAll(p, "{schema}", SchemaDescription)
}

type promptUnit struct {
	Relationship string  `json:"relationship,omitempty"`
	Rule         string  `json:"rule"`
	State        any     `json:"state"`
	Activation   float64 `json:"activation"`
}

func unitOf(t state.Transition) promptUnit {
	return promptUnit{Rule: string(t.Rule), State: t.State.Payload, Activation: t.State.Activation}
}

// UserMessage renders the node's current state, its most recent memory
// transitions and its neighbors as indented JSON.
func UserMessage(rc *rule.Context, memory int) string {
	ctx := struct {
		Current   promptUnit   `json:"current"`
		Memory    []promptUnit `json:"memory"`
		Neighbors []promptUnit `json:"neighbors"`
		Tick      uint64       `json:"tick"`
	}{
		Current:   unitOf(rc.Current()),
		Memory:    []promptUnit{},
		Neighbors: []promptUnit{},
		Tick:      rc.Tick,
	}
	for _, t := range rc.State.RecentHistory(memory) {
		ctx.Memory = append(ctx.Memory, unitOf(t))
	}
	for _, n := range rc.Neighbors {
		u := unitOf(n.State.Current())
		u.Relationship = n.Relationship
		ctx.Neighbors = append(ctx.Neighbors, u)
	}
	data, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ParseOutput decodes a model reply, tolerating surrounding code fences.
func ParseOutput(text string) (NextStateOutput, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.Trim(cleaned, "`")
	cleaned = strings.TrimPrefix(cleaned, "json")
	cleaned = strings.TrimPrefix(cleaned, "JSON")
	cleaned = strings.Trim(cleaned, "` \n\r\t")

	var out NextStateOutput
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return NextStateOutput{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return out, nil
}
