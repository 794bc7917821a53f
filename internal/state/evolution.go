package state

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// #region evolution-struct
// EvolutionaryState holds a node's bounded transition history. The ring
// buffer has capacity window and always contains at least one transition;
// the newest entry is the current state, the rest form the history.
type EvolutionaryState struct {
	buf     []Transition
	start   int
	size    int
	nextSeq uint64
	total   uint64
}

// #endregion evolution-struct

// #region constructor
// NewEvolutionaryState seeds a history with an initial state recorded under
// the __initial__ pseudo rule.
func NewEvolutionaryState(initial StateData, window int) (*EvolutionaryState, error) {
	return Seed(NewTransition(RuleInitial).WithState(initial).Build(), window)
}

// Seed creates a history whose only entry is t.
func Seed(t Transition, window int) (*EvolutionaryState, error) {
	if window < 1 {
		return nil, fmt.Errorf("%w: %d (must be >= 1)", ErrInvalidHistoryWindow, window)
	}
	e := &EvolutionaryState{buf: make([]Transition, window)}
	e.Push(t)
	return e, nil
}

// FromTransitions rebuilds a history from transitions ordered oldest to
// newest. Only the newest window entries are kept.
func FromTransitions(window int, ts []Transition) (*EvolutionaryState, error) {
	if window < 1 {
		return nil, fmt.Errorf("%w: %d (must be >= 1)", ErrInvalidHistoryWindow, window)
	}
	if len(ts) == 0 {
		return nil, fmt.Errorf("rebuild history: no transitions")
	}
	e := &EvolutionaryState{buf: make([]Transition, window)}
	for _, t := range ts {
		e.push(t)
		if t.Sequence >= e.nextSeq {
			e.nextSeq = t.Sequence + 1
		}
	}
	e.total = uint64(len(ts))
	return e, nil
}

// #endregion constructor

// #region push
// Push appends t as the new current transition, evicting the oldest entry
// once the window is full. The transition is assigned the next sequence
// number of this history.
func (e *EvolutionaryState) Push(t Transition) {
	t.Sequence = e.nextSeq
	e.nextSeq++
	e.total++
	e.push(t)
}

func (e *EvolutionaryState) push(t Transition) {
	w := len(e.buf)
	if e.size < w {
		e.buf[(e.start+e.size)%w] = t
		e.size++
		return
	}
	e.buf[e.start] = t
	e.start = (e.start + 1) % w
}

// Apply records a transition produced by rule at the given time.
func (e *EvolutionaryState) Apply(rule RuleID, s StateData, at time.Time) Transition {
	t := NewTransition(rule).WithState(s).At(at).Build()
	e.Push(t)
	return e.Current()
}

// #endregion push

// #region queries
// Window returns the ring buffer capacity.
func (e *EvolutionaryState) Window() int { return len(e.buf) }

// Len returns the number of retained transitions including the current one.
func (e *EvolutionaryState) Len() int { return e.size }

func (e *EvolutionaryState) at(i int) Transition {
	return e.buf[(e.start+i)%len(e.buf)]
}

// Current returns the newest transition.
func (e *EvolutionaryState) Current() Transition {
	return e.at(e.size - 1)
}

// CurrentState returns the state of the newest transition.
func (e *EvolutionaryState) CurrentState() StateData {
	return e.Current().State
}

// Activation returns the current activation.
func (e *EvolutionaryState) Activation() float64 {
	return e.Current().State.Activation
}

// History returns the retained transitions older than the current one,
// oldest first.
func (e *EvolutionaryState) History() []Transition {
	out := make([]Transition, 0, e.size-1)
	for i := 0; i < e.size-1; i++ {
		out = append(out, e.at(i))
	}
	return out
}

// Transitions returns all retained transitions, oldest first, current last.
func (e *EvolutionaryState) Transitions() []Transition {
	out := make([]Transition, 0, e.size)
	for i := 0; i < e.size; i++ {
		out = append(out, e.at(i))
	}
	return out
}

// RecentHistory returns up to n of the newest history entries, newest first.
func (e *EvolutionaryState) RecentHistory(n int) []Transition {
	h := e.History()
	if n > len(h) {
		n = len(h)
	}
	out := make([]Transition, 0, n)
	for i := len(h) - 1; i >= len(h)-n; i-- {
		out = append(out, h[i])
	}
	return out
}

// TransitionCount returns how many transitions were ever pushed, including
// evicted ones and the seed.
func (e *EvolutionaryState) TransitionCount() uint64 { return e.total }

// HasEvolved reports whether anything beyond the seed was recorded.
func (e *EvolutionaryState) HasEvolved() bool { return e.total > 1 }

// TransitionsByRule returns retained transitions produced by rule.
func (e *EvolutionaryState) TransitionsByRule(rule RuleID) []Transition {
	var out []Transition
	for i := 0; i < e.size; i++ {
		if t := e.at(i); t.Rule == rule {
			out = append(out, t)
		}
	}
	return out
}

// Trend summarises activation over the newest n retained transitions.
type Trend struct {
	Mean float64 `json:"mean"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// ActivationTrend computes a Trend over the newest n retained transitions.
func (e *EvolutionaryState) ActivationTrend(n int) Trend {
	if n > e.size {
		n = e.size
	}
	if n <= 0 {
		return Trend{}
	}
	tr := Trend{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for i := e.size - n; i < e.size; i++ {
		a := e.at(i).State.Activation
		sum += a
		tr.Min = math.Min(tr.Min, a)
		tr.Max = math.Max(tr.Max, a)
	}
	tr.Mean = sum / float64(n)
	return tr
}

// Summary is a compact description of an evolution for inspection output.
type Summary struct {
	Window      int     `json:"history_window"`
	Retained    int     `json:"retained"`
	Transitions uint64  `json:"transition_count"`
	Activation  float64 `json:"activation"`
	LastRule    RuleID  `json:"last_rule"`
	Trend       Trend   `json:"trend"`
}

// Summary reports the evolution's size, current activation and the trend
// over every retained transition.
func (e *EvolutionaryState) Summary() Summary {
	cur := e.Current()
	return Summary{
		Window:      e.Window(),
		Retained:    e.size,
		Transitions: e.total,
		Activation:  cur.State.Activation,
		LastRule:    cur.Rule,
		Trend:       e.ActivationTrend(e.size),
	}
}

// Clone returns an independent copy.
func (e *EvolutionaryState) Clone() *EvolutionaryState {
	c := *e
	c.buf = make([]Transition, len(e.buf))
	copy(c.buf, e.buf)
	return &c
}

// #endregion queries

// #region json
type evolutionJSON struct {
	Window       int          `json:"history_window"`
	NextSequence uint64       `json:"next_sequence"`
	Total        uint64       `json:"transition_count"`
	Transitions  []Transition `json:"transitions"`
}

// MarshalJSON encodes the retained transitions oldest first.
func (e *EvolutionaryState) MarshalJSON() ([]byte, error) {
	return json.Marshal(evolutionJSON{
		Window:       len(e.buf),
		NextSequence: e.nextSeq,
		Total:        e.total,
		Transitions:  e.Transitions(),
	})
}

// UnmarshalJSON restores a history written by MarshalJSON.
func (e *EvolutionaryState) UnmarshalJSON(data []byte) error {
	var raw evolutionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Transitions) > raw.Window {
		return fmt.Errorf("history holds %d transitions, window is %d", len(raw.Transitions), raw.Window)
	}
	restored, err := FromTransitions(raw.Window, raw.Transitions)
	if err != nil {
		return err
	}
	if raw.NextSequence > restored.nextSeq {
		restored.nextSeq = raw.NextSequence
	}
	if raw.Total > restored.total {
		restored.total = raw.Total
	}
	*e = *restored
	return nil
}

// #endregion json
