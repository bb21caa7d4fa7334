package handlers

import "sync/atomic"

// atomic64 is a small wrapper around atomic.Int64 used for lock-free
// last-used timestamps, bumped on every matched dispatch.
type atomic64 struct {
	v atomic.Int64
}

func (a *atomic64) set(n int64) { a.v.Store(n) }
func (a *atomic64) get() int64  { return a.v.Load() }

// atomicBool is a small wrapper around atomic.Bool used for the handler
// active flag, so Remove and sweep never race dispatch.
type atomicBool struct {
	v atomic.Bool
}

func (a *atomicBool) set(b bool) { a.v.Store(b) }
func (a *atomicBool) get() bool  { return a.v.Load() }
