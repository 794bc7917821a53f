package resolver

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/graph-automaton/internal/graph"
	"github.com/danielpatrickdp/graph-automaton/internal/rule"
	"github.com/danielpatrickdp/graph-automaton/internal/state"
)

// Resolve requests and replies travel as google.protobuf.Struct so remote
// rule servers need no generated code. Numbers cross the wire as doubles.

type wireNeighbor struct {
	ID           graph.NodeID             `json:"id"`
	Relationship string                   `json:"relationship"`
	State        *state.EvolutionaryState `json:"state"`
}

type wireRequest struct {
	Node         graph.Node               `json:"node"`
	State        *state.EvolutionaryState `json:"state"`
	Neighbors    []wireNeighbor           `json:"neighbors"`
	Global       map[string]string        `json:"global,omitempty"`
	Constitution *graph.Constitution      `json:"constitution,omitempty"`
	Tick         uint64                   `json:"tick"`
}

type wireReply struct {
	Kind   string           `json:"kind"`
	Rule   string           `json:"rule,omitempty"`
	State  *state.StateData `json:"state,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// EncodeRequest packs a rule context.
func EncodeRequest(rc *rule.Context) (*structpb.Struct, error) {
	req := wireRequest{
		Node:         rc.Node,
		State:        rc.State,
		Neighbors:    make([]wireNeighbor, 0, len(rc.Neighbors)),
		Global:       rc.Global,
		Constitution: rc.Constitution,
		Tick:         rc.Tick,
	}
	req.Node.ID = rc.NodeID
	for _, n := range rc.Neighbors {
		req.Neighbors = append(req.Neighbors, wireNeighbor{ID: n.ID, Relationship: n.Relationship, State: n.State})
	}
	s, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return s, nil
}

// DecodeRequest rebuilds the rule context sent by EncodeRequest.
func DecodeRequest(s *structpb.Struct) (*rule.Context, error) {
	var req wireRequest
	if err := fromStruct(s, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if req.State == nil {
		return nil, fmt.Errorf("%w: request without state", ErrBadResponse)
	}
	rc := &rule.Context{
		NodeID:       req.Node.ID,
		Node:         req.Node,
		State:        req.State,
		Neighbors:    make([]rule.NeighborState, 0, len(req.Neighbors)),
		Global:       req.Global,
		Constitution: req.Constitution,
		Tick:         req.Tick,
	}
	for _, n := range req.Neighbors {
		if n.State == nil {
			return nil, fmt.Errorf("%w: neighbor %d without state", ErrBadResponse, n.ID)
		}
		rc.Neighbors = append(rc.Neighbors, rule.NeighborState{ID: n.ID, Relationship: n.Relationship, State: n.State})
	}
	return rc, nil
}

// EncodeReply packs an outcome.
func EncodeReply(out rule.Outcome) (*structpb.Struct, error) {
	rep := wireReply{Kind: out.Kind.String(), Rule: string(out.Rule), Reason: out.Reason}
	if out.Kind == rule.KindTransition {
		s := out.State
		rep.State = &s
	}
	return toStruct(rep)
}

// DecodeReply unpacks an outcome sent by EncodeReply.
func DecodeReply(s *structpb.Struct) (rule.Outcome, error) {
	var rep wireReply
	if err := fromStruct(s, &rep); err != nil {
		return rule.Outcome{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	var out rule.Outcome
	switch rep.Kind {
	case rule.KindNoChange.String():
		out = rule.NoChange()
	case rule.KindTransition.String():
		if rep.State == nil {
			return rule.Outcome{}, fmt.Errorf("%w: transition without state", ErrBadResponse)
		}
		out = rule.Transition(*rep.State)
	case rule.KindFailed.String():
		out = rule.Failed(rep.Reason)
	default:
		return rule.Outcome{}, fmt.Errorf("%w: unknown kind %q", ErrBadResponse, rep.Kind)
	}
	out.Rule = state.RuleID(rep.Rule)
	return out, nil
}
