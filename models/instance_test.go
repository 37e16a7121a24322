package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceLifecycleTransitions(t *testing.T) {
	inst := &Instance{ID: "i1", EID: 7, State: StateForming}

	require.NoError(t, inst.Advance(StateComplete))
	require.NoError(t, inst.Advance(StateStarted))
	require.NoError(t, inst.Advance(StateEnded))

	// Ended is terminal: nothing restarts an ended instance.
	assert.Error(t, inst.Advance(StateStarted))
	assert.Error(t, inst.Advance(StateForming))
	assert.True(t, inst.Ended())
}

func TestInstanceIllegalTransitions(t *testing.T) {
	inst := &Instance{State: StateForming}
	assert.Error(t, inst.Advance(StateStarted), "forming cannot start before completing")
	assert.Error(t, inst.Advance(StateEnded), "forming cannot end")

	dropped := &Instance{State: StateDropped}
	assert.Error(t, dropped.Advance(StateComplete))
	assert.True(t, dropped.Ended())
}

func TestInstanceDerivedFlags(t *testing.T) {
	inst := &Instance{State: StateForming}
	assert.False(t, inst.Complete())
	assert.False(t, inst.Started())
	assert.False(t, inst.Ended())

	inst.State = StateComplete
	assert.True(t, inst.Complete())
	assert.False(t, inst.Started())

	inst.State = StateStarted
	assert.True(t, inst.Complete())
	assert.True(t, inst.Started())
	assert.False(t, inst.Ended())
}

func TestInstanceJSONRoundTrip(t *testing.T) {
	inst := Instance{
		ID:    "abc",
		EID:   7,
		Users: []Participant{{UID: 5, GUID: "g1"}},
		State: StateStarted,
	}

	data, err := json.Marshal(inst)
	require.NoError(t, err)

	// The wire form carries the legacy booleans.
	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, true, wire["complete"])
	assert.Equal(t, true, wire["started"])
	assert.Equal(t, false, wire["ended"])

	var back Instance
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, StateStarted, back.State)
	assert.Equal(t, inst.Users, back.Users)
}

func TestInstanceJSONLegacyFlags(t *testing.T) {
	// Records written by the previous implementation have no state
	// name, only the booleans.
	legacy := []byte(`{"id":"abc","eId":7,"users":[],"complete":true,"started":false,"ended":false}`)

	var inst Instance
	require.NoError(t, json.Unmarshal(legacy, &inst))
	assert.Equal(t, StateComplete, inst.State)

	ended := []byte(`{"id":"abc","eId":7,"users":[],"complete":true,"started":true,"ended":true}`)
	require.NoError(t, json.Unmarshal(ended, &inst))
	assert.True(t, inst.Ended())
}

func TestFlagUnmarshal(t *testing.T) {
	var exp Experiment
	raw := []byte(`{"eId":7,"exactNUsers":2,"anonymousJoin":"1","canPerform":"0","shareLanguages":true}`)
	require.NoError(t, json.Unmarshal(raw, &exp))
	assert.True(t, bool(exp.AnonymousJoin))
	assert.False(t, bool(exp.CanPerform))
	assert.True(t, bool(exp.ShareLanguages))
}
