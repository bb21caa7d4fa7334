// Package ksnapshot defines the kernel snapshot shape and the canonical
// content hash used to key the Persistor and to support pause/resume.
package ksnapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"goa.design/goa-ai/runtime/kernel/event"
)

// Snapshot is a content-addressed frozen copy of kernel state supporting
// pause/resume. Hash is a stable content hash of (Events, State) computed
// deterministically via canonical JSON so that identical (Events, State)
// always hash identically across processes and runs.
type Snapshot struct {
	// XCID identifies the execution context the snapshot belongs to,
	// typically "tenantId:jobId".
	XCID string
	// TS is the epoch-millisecond timestamp the snapshot was taken at.
	TS int64
	// State is the opaque kernel state payload at the time of the
	// snapshot (canonicalized for hashing, stored as-is otherwise).
	State any
	// Events is the event log replayed into the snapshot, empty for
	// pause snapshots per the kernel's pause() contract.
	Events []event.Event
	// Hash is the canonical content hash of (Events, State). Set by
	// Hash, never by callers directly.
	Hash string
}

// hashEnvelope pins the snapshot hash behind a versioned header so future
// implementations can migrate the canonicalization algorithm without
// silently changing existing hashes.
type hashEnvelope struct {
	Version int    `json:"v"`
	Events  []any  `json:"events"`
	State   any    `json:"state"`
}

const hashVersion = 1

// ComputeHash returns the canonical content hash for the given events and
// state. Canonicalization recursively sorts map keys before marshaling so
// that semantically identical values always produce byte-identical JSON,
// regardless of map iteration order or field insertion order upstream.
func ComputeHash(events []event.Event, state any) string {
	anyEvents := make([]any, len(events))
	for i, e := range events {
		anyEvents[i] = e
	}
	env := hashEnvelope{
		Version: hashVersion,
		Events:  anyEvents,
		State:   state,
	}
	canonical := canonicalize(toGeneric(env))
	b, err := json.Marshal(canonical)
	if err != nil {
		// Canonicalized values are built entirely from map[string]any,
		// []any, and JSON-safe scalars, so Marshal cannot fail here.
		panic("ksnapshot: unreachable marshal failure: " + err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// toGeneric round-trips v through JSON to obtain a representation built
// purely from map[string]any, []any, and scalars, so canonicalize can sort
// keys uniformly regardless of v's concrete Go type.
func toGeneric(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		// Callers only ever pass JSON-marshalable event/state payloads;
		// a failure here indicates a caller bug, not a runtime condition.
		panic("ksnapshot: value is not JSON-marshalable: " + err.Error())
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		panic("ksnapshot: unreachable unmarshal failure: " + err.Error())
	}
	return out
}

// canonicalize recursively rewrites maps into sorted key/value pairs so
// that json.Marshal (which already sorts map[string]any keys) produces the
// same byte sequence irrespective of input ordering, and recurses into
// slices so nested maps are normalized too.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = canonicalize(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return val
	}
}

// Freeze computes and assigns Hash on a copy of s, leaving s unmodified.
func Freeze(s Snapshot) Snapshot {
	s.Hash = ComputeHash(s.Events, s.State)
	return s
}
