package ksnapshot

import (
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/goa-ai/runtime/kernel/event"
)

func TestComputeHashStableAcrossMapOrdering(t *testing.T) {
	state1 := map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": 1, "y": 2}}
	state2 := map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": 1, "b": 2}

	h1 := ComputeHash(nil, state1)
	h2 := ComputeHash(nil, state2)
	require.Equal(t, h1, h2)
}

func TestComputeHashDiffersOnContentChange(t *testing.T) {
	h1 := ComputeHash(nil, map[string]any{"a": 1})
	h2 := ComputeHash(nil, map[string]any{"a": 2})
	require.NotEqual(t, h1, h2)
}

func TestComputeHashIncludesEvents(t *testing.T) {
	evts := []event.Event{{ID: "e1", Type: "agent.tick", TS: 1}}
	withEvents := ComputeHash(evts, nil)
	withoutEvents := ComputeHash(nil, nil)
	require.NotEqual(t, withEvents, withoutEvents)
}

func TestFreezeSetsHashWithoutMutatingInput(t *testing.T) {
	s := Snapshot{XCID: "tenant:job", State: map[string]any{"k": "v"}}
	frozen := Freeze(s)
	require.Empty(t, s.Hash)
	require.NotEmpty(t, frozen.Hash)
	require.Equal(t, ComputeHash(s.Events, s.State), frozen.Hash)
}
