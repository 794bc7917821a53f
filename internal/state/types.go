package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"maps"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidHistoryWindow is returned when a history window smaller than one
// is requested.
var ErrInvalidHistoryWindow = errors.New("invalid history window")

// #region rule-id
// RuleID names the rule that produced a transition.
type RuleID string

// Pseudo rule ids for transitions that no registered rule produced.
const (
	RuleInitial  RuleID = "__initial__"
	RuleExternal RuleID = "__external__"
	RuleNoop     RuleID = "__noop__"
)

// NewRuleID returns a random rule id for anonymous rules.
func NewRuleID() RuleID {
	return RuleID(uuid.New().String())
}

func (r RuleID) String() string { return string(r) }

// IsPseudo reports whether the id is one of the reserved pseudo ids.
func (r RuleID) IsPseudo() bool {
	return r == RuleInitial || r == RuleExternal || r == RuleNoop
}

// #endregion rule-id

// #region state-data
// StateData is the per-node state carried by a transition. Payload holds a
// JSON-compatible tree (maps, slices, strings, float64, bool, nil).
// Activation is conventionally in [0, 1] but is not clamped.
type StateData struct {
	Payload     any               `json:"payload"`
	Activation  float64           `json:"activation"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// WithActivation builds a StateData from a payload and activation.
func WithActivation(payload any, activation float64) StateData {
	return StateData{Payload: payload, Activation: activation}
}

// SetActivation returns a copy with a new activation.
func (s StateData) SetActivation(a float64) StateData {
	s.Activation = a
	return s
}

// Annotate returns a copy with key set to value.
func (s StateData) Annotate(key, value string) StateData {
	ann := maps.Clone(s.Annotations)
	if ann == nil {
		ann = make(map[string]string, 1)
	}
	ann[key] = value
	s.Annotations = ann
	return s
}

// Annotation returns the annotation for key, if present.
func (s StateData) Annotation(key string) (string, bool) {
	v, ok := s.Annotations[key]
	return v, ok
}

// Equal reports structural equality of payload, activation and annotations.
func (s StateData) Equal(o StateData) bool {
	if s.Activation != o.Activation {
		return false
	}
	if len(s.Annotations) != len(o.Annotations) || !maps.Equal(s.Annotations, o.Annotations) {
		return false
	}
	return PayloadEqual(s.Payload, o.Payload)
}

// PayloadEqual compares two payload trees. Trees that differ only in Go
// representation (int vs float64, typed vs generic maps) compare equal when
// their JSON encodings match.
func PayloadEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Clamp01 limits v to [0, 1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// #endregion state-data

// #region transition
// Transition records one state change of a node.
type Transition struct {
	Rule      RuleID    `json:"rule_id"`
	State     StateData `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
}

// Before orders transitions by timestamp, breaking ties by sequence.
func (t Transition) Before(o Transition) bool {
	if !t.Timestamp.Equal(o.Timestamp) {
		return t.Timestamp.Before(o.Timestamp)
	}
	return t.Sequence < o.Sequence
}

// TransitionBuilder assembles a Transition.
type TransitionBuilder struct {
	t      Transition
	hasNow bool
}

// NewTransition starts a transition for rule.
func NewTransition(rule RuleID) *TransitionBuilder {
	return &TransitionBuilder{t: Transition{Rule: rule}}
}

// WithState sets the full state.
func (b *TransitionBuilder) WithState(s StateData) *TransitionBuilder {
	b.t.State = s
	return b
}

// WithPayload sets the payload.
func (b *TransitionBuilder) WithPayload(p any) *TransitionBuilder {
	b.t.State.Payload = p
	return b
}

// WithActivation sets the activation.
func (b *TransitionBuilder) WithActivation(a float64) *TransitionBuilder {
	b.t.State.Activation = a
	return b
}

// Annotate adds an annotation to the state.
func (b *TransitionBuilder) Annotate(key, value string) *TransitionBuilder {
	b.t.State = b.t.State.Annotate(key, value)
	return b
}

// At pins the timestamp instead of reading the wall clock.
func (b *TransitionBuilder) At(ts time.Time) *TransitionBuilder {
	b.t.Timestamp = ts.UTC()
	b.hasNow = true
	return b
}

// Build returns the transition, stamping wall-clock UTC if no time was set.
func (b *TransitionBuilder) Build() Transition {
	t := b.t
	if !b.hasNow {
		t.Timestamp = time.Now().UTC()
	}
	return t
}

// #endregion transition
