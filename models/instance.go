package models

import (
	"encoding/json"
	"fmt"
)

// InstanceState is the lifecycle of an experiment instance. The old
// implementation tracked three independent booleans (complete, started,
// ended); here the lifecycle is a single enumerated state with an
// explicit transition table, and the booleans are derived views kept
// for wire and storage compatibility.
type InstanceState int

const (
	StateForming InstanceState = iota
	StateComplete
	StateStarted
	StateEnded
	StateDropped
	StateAborted
	StateHunged
)

var stateNames = map[InstanceState]string{
	StateForming:  "forming",
	StateComplete: "complete",
	StateStarted:  "started",
	StateEnded:    "ended",
	StateDropped:  "dropped",
	StateAborted:  "aborted",
	StateHunged:   "hunged",
}

var statesByName = map[string]InstanceState{}

func init() {
	for s, n := range stateNames {
		statesByName[n] = s
	}
}

func (s InstanceState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s InstanceState) Terminal() bool {
	switch s {
	case StateEnded, StateDropped, StateAborted, StateHunged:
		return true
	}
	return false
}

var validTransitions = map[InstanceState][]InstanceState{
	StateForming:  {StateComplete, StateDropped, StateHunged},
	StateComplete: {StateStarted, StateEnded, StateDropped, StateAborted, StateHunged},
	StateStarted:  {StateEnded, StateAborted, StateHunged},
}

// CanAdvance reports whether s -> to is a legal transition.
func (s InstanceState) CanAdvance(to InstanceState) bool {
	for _, t := range validTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

func (s InstanceState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *InstanceState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	st, ok := statesByName[name]
	if !ok {
		return fmt.Errorf("unknown instance state %q", name)
	}
	*s = st
	return nil
}

// Instance is one synchronized multi-participant run of an experiment.
type Instance struct {
	ID    string        `json:"id"`
	EID   int64         `json:"eId"`
	Users []Participant `json:"users"`
	State InstanceState `json:"state"`
}

// Complete reports whether the instance reached its required user count.
func (i *Instance) Complete() bool {
	return i.State >= StateComplete && i.State != StateDropped
}

// Started reports whether the first play-phase ready has been seen.
func (i *Instance) Started() bool {
	return i.State == StateStarted || i.State == StateEnded || i.State == StateAborted
}

// Ended reports whether the instance reached a terminal state.
func (i *Instance) Ended() bool {
	return i.State.Terminal()
}

// Advance moves the instance to a new lifecycle state, rejecting
// illegal transitions (an ended instance can never restart).
func (i *Instance) Advance(to InstanceState) error {
	if !i.State.CanAdvance(to) {
		return fmt.Errorf("illegal instance transition %s -> %s", i.State, to)
	}
	i.State = to
	return nil
}

// Member reports whether guid already belongs to the instance.
func (i *Instance) Member(guid string) bool {
	for _, u := range i.Users {
		if u.GUID == guid {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. The allocator hands out clones so callers
// never share the pooled record with concurrent joins.
func (i *Instance) Clone() *Instance {
	cp := *i
	cp.Users = append([]Participant(nil), i.Users...)
	return &cp
}

// UIDs collects the user ids of every participant, in join order.
func (i *Instance) UIDs() []uint64 {
	ids := make([]uint64, len(i.Users))
	for n, u := range i.Users {
		ids[n] = u.UID
	}
	return ids
}

// instanceJSON is the storage/wire form. Besides the state name it
// carries the legacy boolean flags so records written by the previous
// implementation (and dbg_create payloads built against it) still load.
type instanceJSON struct {
	ID       string        `json:"id"`
	EID      int64         `json:"eId"`
	Users    []Participant `json:"users"`
	State    string        `json:"state,omitempty"`
	Complete bool          `json:"complete"`
	Started  bool          `json:"started"`
	Ended    bool          `json:"ended"`
}

func (i Instance) MarshalJSON() ([]byte, error) {
	return json.Marshal(instanceJSON{
		ID:       i.ID,
		EID:      i.EID,
		Users:    i.Users,
		State:    i.State.String(),
		Complete: i.Complete(),
		Started:  i.Started(),
		Ended:    i.Ended(),
	})
}

func (i *Instance) UnmarshalJSON(data []byte) error {
	var raw instanceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	i.ID = raw.ID
	i.EID = raw.EID
	i.Users = raw.Users
	if raw.State != "" {
		st, ok := statesByName[raw.State]
		if !ok {
			return fmt.Errorf("unknown instance state %q", raw.State)
		}
		i.State = st
		return nil
	}
	// Legacy record: derive the state from the flags.
	switch {
	case raw.Ended:
		i.State = StateEnded
	case raw.Started:
		i.State = StateStarted
	case raw.Complete:
		i.State = StateComplete
	default:
		i.State = StateForming
	}
	return nil
}
