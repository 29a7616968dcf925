package cart

import (
	"encoding/json"
	"fmt"
)

// LineState is the per-line synchronization state.
//
//	absent -> pending-add -> present <-> pending-update
//	present -> pending-remove -> absent
//
// Pending states show the optimistic value; a failed network operation moves
// the line back to its last confirmed state.
type LineState int

const (
	StateAbsent LineState = iota
	StatePendingAdd
	StatePresent
	StatePendingUpdate
	StatePendingRemove
)

var lineStateNames = map[LineState]string{
	StateAbsent:        "absent",
	StatePendingAdd:    "pending-add",
	StatePresent:       "present",
	StatePendingUpdate: "pending-update",
	StatePendingRemove: "pending-remove",
}

func (s LineState) String() string {
	if name, ok := lineStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON renders the state by name.
func (s LineState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a state name.
func (s *LineState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for state, n := range lineStateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown line state %q", name)
}

// transitions lists the legal next states. Present <-> absent covers lines
// appearing or vanishing in a server snapshot.
var transitions = map[LineState][]LineState{
	StateAbsent:        {StatePendingAdd, StatePresent},
	StatePendingAdd:    {StatePresent, StatePendingUpdate, StatePendingRemove, StateAbsent},
	StatePresent:       {StatePendingUpdate, StatePendingRemove, StateAbsent},
	StatePendingUpdate: {StatePresent, StatePendingUpdate, StatePendingRemove, StateAbsent},
	StatePendingRemove: {StateAbsent, StatePresent},
}

// Can reports whether s may move to next.
func (s LineState) Can(next LineState) bool {
	if s == next && s == StatePresent {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Visible reports whether a line in this state is shown to the shopper.
func (s LineState) Visible() bool {
	switch s {
	case StatePendingAdd, StatePresent, StatePendingUpdate:
		return true
	default:
		return false
	}
}
