// Package ensure implements the foreign-thread bridge described in spec.md
// §4.6: a re-entrant, counted Ensure/Release pair that lets native code
// running on a goroutine with no bound thread-state call safely into the
// runtime, and release exactly as cleanly as it entered. Grounded directly
// on spec.md §4.6's ensure()/release(token) state machine; depends on
// runtimecore, interp, and thread per SPEC_FULL.md §4's import direction.
package ensure

import (
	"github.com/kitarefake/cpython"
	"github.com/kitarefake/cpython/corelog"
	"github.com/kitarefake/cpython/interp"
	"github.com/kitarefake/cpython/runtimecore"
	"github.com/kitarefake/cpython/thread"
)

// Token reports whether the calling goroutine already held its thread-state's
// GEL at the moment Ensure was called, per spec.md §4.6: Release consults it
// to decide whether to Detach on the way out.
type Token int

const (
	// Unlocked means Ensure itself performed the GEL acquire; Release must
	// Detach.
	Unlocked Token = iota
	// Locked means the calling goroutine already held the GEL (a nested
	// Ensure); Release must leave the GEL held.
	Locked
)

var log = corelog.Named("ensure")

// Ensure implements spec.md §4.6's ensure(): if the calling goroutine has no
// bound thread-state (in any interpreter), one is created in the designated
// interpreter and bound with gilstate_counter starting at 0; an existing
// bound thread-state is reused whichever interpreter owns it ("we own it; destroy on final
// release"); the GEL is then acquired if not already held; gilstate_counter
// is incremented; and a Token is returned recording whether the GEL was
// already held coming in.
//
// designated is the "designated gilstate interpreter" spec.md names —
// conventionally the main interpreter, since that is the one every embedder
// thread is allowed to attach to without prior arrangement.
func Ensure(rt *runtimecore.Runtime, designated *interp.Interpreter) (*thread.ThreadState, Token) {
	ts, alreadyBound := rt.GetBound()
	if !alreadyBound {
		ts = rt.BindCurrent(designated)
	}

	wasHeld := false
	if _, ok := rt.GetCurrent(); ok {
		wasHeld = true
	}
	if !wasHeld {
		if err := rt.Attach(ts); err != nil {
			cpython.Abort("ensure: attach failed: %v", err)
		}
	}

	depth := ts.IncGilstate()
	log.Debug("ensure", corelog.F("thread_id", ts.ID), corelog.F("depth", depth), corelog.F("was_held", wasHeld))

	if wasHeld {
		return ts, Locked
	}
	return ts, Unlocked
}

// Release implements spec.md §4.6's release(token): decrements
// gilstate_counter; if it reaches 0, the thread-state was auto-created by a
// prior Ensure and is now Cleared, Deleted, and unbound (which also releases
// the GEL); otherwise, a token of Unlocked means this Release call must
// still Detach, since this particular Ensure call performed the attach.
func Release(rt *runtimecore.Runtime, ts *thread.ThreadState, token Token) {
	depth := ts.DecGilstate()
	log.Debug("release", corelog.F("thread_id", ts.ID), corelog.F("depth", depth))

	if depth == 0 {
		ts.Clear()
		rt.Detach(ts)
		ts.Delete()
		rt.UnbindCurrent()
		return
	}
	if token == Unlocked {
		rt.Detach(ts)
	}
}

// Check reports whether the calling goroutine currently holds a valid,
// attached thread-state — spec.md §4.6's check().
func Check(rt *runtimecore.Runtime) bool {
	_, ok := rt.GetCurrent()
	return ok
}

// GetThisThreadState returns the calling goroutine's bound thread-state, if
// any — spec.md §4.6's get_this_thread_state().
func GetThisThreadState(rt *runtimecore.Runtime) (*thread.ThreadState, bool) {
	return rt.GetBound()
}
