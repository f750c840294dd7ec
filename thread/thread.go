// Package thread implements the per-thread storage and lifecycle described
// in spec.md §3 ("Thread-state") and §4.3/§4.5/§4.6: creation, OS-thread
// binding, GEL attach/detach, the chunked frame stack, critical-section
// suspend/resume, and the exactly-once on_delete callback. It depends only
// on gel (a thread-state attaches to its owning interpreter's GEL); GC
// tracking is left to the owning interpreter's Collector, which this
// package does not import. Grounded structurally on gccgo's
// runtime `g` struct (status bitset + atomic state machine, in
// _examples/avikivity-gcc/libgo/go/runtime/runtime2.go) and on
// alphadose/zenq's park/wake idiom for how a suspended execution context
// resumes.
package thread

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kitarefake/cpython/gel"
)

// Status bits, per spec.md §3. Transitions are monotonic except Active
// (togglable on attach/detach) and Unbound (set once, when a previously
// bound state is shed).
type Status uint32

const (
	StatusInitialized Status = 1 << iota
	StatusBound
	StatusUnbound
	StatusBoundGilstate
	StatusActive
	StatusFinalizing
	StatusCleared
	StatusFinalized
)

// AttachState is the three-way attach/detach/suspend state machine of
// spec.md §3. On a single-threaded evaluator (the GEL enforces mutual
// exclusion) Attached implies "holds the GEL".
type AttachState int32

const (
	Detached AttachState = iota
	Attached
	Suspended
)

// ErrExitDaemon is returned by Attach when the runtime is finalizing and
// this thread-state is not the finalizing thread: per spec.md §7, such a
// thread must terminate silently (the daemon-thread pattern), not report an
// error to its caller's caller.
var ErrExitDaemon = errors.New("thread: runtime finalizing, daemon thread must exit")

// ErrAlreadyAttached reports a reentrant Attach on an already-Attached
// thread-state. Spec.md §4.4: "A thread-state may not attach twice" — the
// Ensure/Release layer (package ensure) is responsible for the counting
// that makes nested entry safe.
var ErrAlreadyAttached = errors.New("thread: thread-state is already attached")

// CriticalSection is an opaque fine-grained lock that suspends and resumes
// in step with its owning thread-state's attach/detach transitions, per
// spec.md §3 and the glossary entry for "Critical section".
type CriticalSection interface {
	Lock()
	Unlock()
}

// ExcFrame is one link in the current-exception chain. Generators replace
// a thread-state's head exc frame with their own on resume and restore it
// on yield, per spec.md §9's "Coroutine/generator exception swapping"
// design note.
type ExcFrame struct {
	Exception error
	Previous  *ExcFrame
}

// ThreadState is the per-thread-of-execution record of spec.md §3.
type ThreadState struct {
	// Interp identifies the owning interpreter. Declared as an opaque
	// comparable handle (not a *interp.Interpreter) so this package has no
	// import-cycle dependency on interp, per SPEC_FULL.md §4's stated
	// import direction (interp depends on thread, not the reverse).
	Interp any
	// ID is unique within the owning interpreter, assigned by the caller
	// (interp.New's thread registry owns the counter; spec.md §3: "id:
	// per-interpreter unique positive integer").
	ID int64

	gelLock *gel.Lock
	breaker gel.Breaker

	status      atomic.Uint32
	attachState atomic.Int32

	osThreadID     uint64
	nativeThreadID uint64

	frames *FrameStack

	mu         sync.Mutex
	sections   []CriticalSection // currently held, in acquisition order
	suspended  []CriticalSection // suspended while detached
	excInfo    *ExcFrame
	asyncExc   error
	onDelete   func()
	onDeleted  bool

	gilstateCounter int

	dictMu sync.RWMutex
	dict   map[string]any

	// RecursionRemaining and CRecursionRemaining are the interpreter-level
	// and host-stack recursion budgets, per spec.md §3.
	RecursionRemaining  int
	CRecursionRemaining int
}

// GetLocal reads a key from this thread-state's own dict — a per-thread
// store distinct from the interpreter-wide shared dict (spec.md §8 scenario
// 1: a value set here must not be visible through the interpreter dict).
func (t *ThreadState) GetLocal(key string) (any, bool) {
	t.dictMu.RLock()
	defer t.dictMu.RUnlock()
	v, ok := t.dict[key]
	return v, ok
}

// SetLocal installs a key in this thread-state's own dict.
func (t *ThreadState) SetLocal(key string, value any) {
	t.dictMu.Lock()
	defer t.dictMu.Unlock()
	if t.dict == nil {
		t.dict = make(map[string]any)
	}
	t.dict[key] = value
}

// New allocates a fresh, Detached, not-bound thread-state owned by interp,
// attaching to gelLock and tracked by collector indirectly via the owning
// interpreter (the Collector itself is consulted by higher layers; this
// package only needs the GEL to implement Attach/Detach). recursionLimit
// seeds both recursion budgets from the interpreter's frozen config, per
// spec.md §4.3.
func New(interp any, id int64, gelLock *gel.Lock, recursionLimit int) *ThreadState {
	t := &ThreadState{
		Interp:              interp,
		ID:                  id,
		gelLock:             gelLock,
		frames:              NewFrameStack(),
		RecursionRemaining:  recursionLimit,
		CRecursionRemaining: recursionLimit,
	}
	t.status.Store(uint32(StatusInitialized))
	t.attachState.Store(int32(Detached))
	return t
}

// Breaker returns this thread-state's eval-breaker bitset, polled by the
// evaluator between bytecodes and targeted by set_async_exc / forced yield.
func (t *ThreadState) Breaker() *gel.Breaker { return &t.breaker }

// Status returns the current status bitset.
func (t *ThreadState) Status() Status { return Status(t.status.Load()) }

func (t *ThreadState) setStatus(bit Status)   { orStatus(&t.status, uint32(bit)) }
func (t *ThreadState) clearStatus(bit Status) { andNotStatus(&t.status, uint32(bit)) }

func orStatus(a *atomic.Uint32, bit uint32) {
	for {
		old := a.Load()
		if old&bit != 0 || a.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

func andNotStatus(a *atomic.Uint32, bit uint32) {
	for {
		old := a.Load()
		if old&bit == 0 || a.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

// AttachState returns the current attach state, for diagnostics and the
// testable invariants of spec.md §8.
func (t *ThreadState) AttachState() AttachState { return AttachState(t.attachState.Load()) }

// Bind records the OS/native thread identity and marks the thread-state
// bound. Must be called on the OS thread that will own the state, per
// spec.md §4.3. osThreadID is an embedder-supplied opaque identifier (Go
// does not expose a portable OS thread id; the embedding layer is expected
// to supply one, e.g. derived the way go-eventloop's getGoroutineID parses
// runtime.Stack() output, or a platform thread id from cgo).
func (t *ThreadState) Bind(osThreadID, nativeThreadID uint64) {
	t.osThreadID = osThreadID
	t.nativeThreadID = nativeThreadID
	t.setStatus(StatusBound)
}

// OSThreadID returns the identity recorded by Bind.
func (t *ThreadState) OSThreadID() uint64 { return t.osThreadID }

// SetBoundGilstate records that this OS thread's gilstate TLS slot now
// points at this thread-state, per spec.md §4.3's bind_gilstate.
func (t *ThreadState) SetBoundGilstate() { t.setStatus(StatusBoundGilstate) }

// Unbind clears the bound status, leaving Unbound set permanently
// (spec.md §3: "unbound ... set when a formerly-bound state is shed").
func (t *ThreadState) Unbind() {
	t.clearStatus(StatusBound)
	t.setStatus(StatusUnbound)
}

// Attach acquires the owning interpreter's GEL on behalf of this
// thread-state, resumes any previously suspended critical sections in LIFO
// order, and transitions Detached -> Attached. finalizing reports whether
// the runtime as a whole is finalizing; isFinalizingThread reports whether
// this thread-state is the one that initiated finalization. Per spec.md
// §4.3/§4.4/§7: if finalizing and this is not the finalizing thread, Attach
// returns ErrExitDaemon instead of blocking forever inside the GEL.
func (t *ThreadState) Attach(finalizing, isFinalizingThread bool) error {
	if finalizing && !isFinalizingThread {
		return ErrExitDaemon
	}
	if !t.attachState.CompareAndSwap(int32(Detached), int32(Attached)) {
		// Suspended -> Attached is also legal (resume after a suspended
		// critical-section wait); only Attached -> Attached is reentrant
		// misuse.
		if t.attachState.Load() == int32(Attached) {
			return ErrAlreadyAttached
		}
		t.attachState.Store(int32(Attached))
	}
	t.gelLock.Attach(t.ID, &t.breaker)
	t.resumeSections()
	t.setStatus(StatusActive)
	return nil
}

// Detach suspends all currently held critical sections, clears Active,
// transitions to Detached, and releases the GEL — in that order, so a
// subsequent attacher observes a consistent critical-section stack before
// the lock becomes available (spec.md §4.3: "suspension must complete
// before GEL release").
func (t *ThreadState) Detach() {
	t.suspendSections()
	t.clearStatus(StatusActive)
	t.attachState.Store(int32(Detached))
	t.gelLock.Detach()
}

func (t *ThreadState) suspendSections() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sections) - 1; i >= 0; i-- {
		t.sections[i].Unlock()
	}
	t.suspended = t.sections
	t.sections = nil
}

func (t *ThreadState) resumeSections() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.suspended) == 0 {
		return
	}
	for i := len(t.suspended) - 1; i >= 0; i-- {
		t.suspended[i].Lock()
	}
	t.sections = t.suspended
	t.suspended = nil
}

// EnterCriticalSection acquires cs and pushes it onto this thread-state's
// critical-section stack, so a subsequent Detach suspends it automatically.
func (t *ThreadState) EnterCriticalSection(cs CriticalSection) {
	cs.Lock()
	t.mu.Lock()
	t.sections = append(t.sections, cs)
	t.mu.Unlock()
}

// ExitCriticalSection pops and releases the most recently entered critical
// section.
func (t *ThreadState) ExitCriticalSection() {
	t.mu.Lock()
	n := len(t.sections)
	if n == 0 {
		t.mu.Unlock()
		return
	}
	cs := t.sections[n-1]
	t.sections = t.sections[:n-1]
	t.mu.Unlock()
	cs.Unlock()
}

// PushExcInfo installs frame as the head of the exception chain, stashing
// the previous head as frame.Previous — the generator resume/yield swap of
// spec.md §9.
func (t *ThreadState) PushExcInfo(frame *ExcFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	frame.Previous = t.excInfo
	t.excInfo = frame
}

// PopExcInfo restores the previous exception chain head.
func (t *ThreadState) PopExcInfo() *ExcFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.excInfo
	if cur != nil {
		t.excInfo = cur.Previous
	}
	return cur
}

// CurrentException returns the thread's current exception, if any.
func (t *ThreadState) CurrentException() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.excInfo == nil {
		return nil
	}
	return t.excInfo.Exception
}

// SetAsyncExc atomically installs exc as a pending asynchronous exception
// and sets BitAsyncException on this thread-state's eval breaker, per
// spec.md §5's cancellation model: the target observes it at its next
// bytecode boundary and raises.
func (t *ThreadState) SetAsyncExc(exc error) {
	t.mu.Lock()
	t.asyncExc = exc
	t.mu.Unlock()
	t.breaker.Set(gel.BitAsyncException)
}

// TakeAsyncExc consumes and clears the pending asynchronous exception, if
// any, also clearing the eval-breaker bit.
func (t *ThreadState) TakeAsyncExc() error {
	t.mu.Lock()
	exc := t.asyncExc
	t.asyncExc = nil
	t.mu.Unlock()
	t.breaker.Clear(gel.BitAsyncException)
	return exc
}

// Frames returns the thread-state's chunked frame stack.
func (t *ThreadState) Frames() *FrameStack { return t.frames }

// SetOnDelete installs the callback invoked exactly once when the thread
// ceases to be "main" or is deleted, per spec.md §3 and §9's dedupe-by-bit
// guidance (the union of call sites is covered by FireOnDelete being
// idempotent).
func (t *ThreadState) SetOnDelete(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDelete = f
}

// FireOnDelete invokes the installed on_delete callback if it has not
// already fired, from any call site (unset_running_main or Clear). Safe to
// call from both; only the first call after SetOnDelete has an effect,
// implementing spec.md §9's "dedupe by a 'fired' bit" guidance.
func (t *ThreadState) FireOnDelete() {
	t.mu.Lock()
	if t.onDeleted || t.onDelete == nil {
		t.mu.Unlock()
		return
	}
	t.onDeleted = true
	cb := t.onDelete
	t.mu.Unlock()
	cb()
}

// IncGilstate and DecGilstate implement the Ensure/Release nesting counter
// named gilstate_counter in spec.md §3; package ensure drives these.
func (t *ThreadState) IncGilstate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gilstateCounter++
	return t.gilstateCounter
}

func (t *ThreadState) DecGilstate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gilstateCounter--
	return t.gilstateCounter
}

func (t *ThreadState) GilstateCounter() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gilstateCounter
}

// Clear releases Python-visible references (exception chain, async
// exception, critical-section bookkeeping) and fires on_delete if it has
// not already fired. Does not unlink the thread-state from the owning
// interpreter's registry; that is Delete's job (spec.md §4.3).
func (t *ThreadState) Clear() {
	t.mu.Lock()
	t.excInfo = nil
	t.asyncExc = nil
	t.mu.Unlock()
	t.dictMu.Lock()
	t.dict = nil
	t.dictMu.Unlock()
	t.FireOnDelete()
	t.setStatus(StatusCleared)
}

// Delete finalizes the thread-state. Precondition, per spec.md §4.3:
// Cleared && !Active && AttachState == Detached. Returns false without
// effect if the precondition does not hold.
func (t *ThreadState) Delete() bool {
	if t.Status()&StatusCleared == 0 {
		return false
	}
	if t.Status()&StatusActive != 0 {
		return false
	}
	if t.AttachState() != Detached {
		return false
	}
	if t.Status()&StatusBoundGilstate != 0 {
		t.Unbind()
	}
	t.setStatus(StatusFinalized)
	return true
}
