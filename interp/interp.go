// Package interp implements the per-interpreter state described in spec.md
// §3 ("Interpreter") and §4.2: the thread-state registry, the GEL and GC
// state an interpreter owns, its frozen configuration, id-refcounting with
// auto-finalize, the running-main marker, and a per-interpreter module
// registry that gives spec.md §8 scenario 5 (subinterpreter isolation) a
// home. Depends on thread, gel, gc, preconfig, and opcode per SPEC_FULL.md
// §4's stated import direction; never imports the root package's Runtime
// concept, which belongs to runtimecore.
package interp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kitarefake/cpython"
	"github.com/kitarefake/cpython/corelog"
	"github.com/kitarefake/cpython/gc"
	"github.com/kitarefake/cpython/gel"
	"github.com/kitarefake/cpython/opcode"
	"github.com/kitarefake/cpython/preconfig"
	"github.com/kitarefake/cpython/thread"
)

// Config is the frozen per-interpreter configuration named in spec.md §3
// ("config: frozen configuration (module search paths, flags, recursion
// limit, etc.)").
type Config struct {
	RecursionLimit     int
	ModuleSearchPaths  []string
	SwitchInterval     int64 // nanoseconds; 0 selects gel.DefaultSwitchInterval
	PreConfig          preconfig.PreConfig
}

// Module is a minimal per-interpreter module record, enough to exercise
// spec.md §8 scenario 5's isolation test: defining an attribute in one
// interpreter's module registry must not be visible from another's.
type Module struct {
	Name string

	mu    sync.RWMutex
	attrs map[string]any
}

func newModule(name string) *Module {
	return &Module{Name: name, attrs: make(map[string]any)}
}

// Get returns the named attribute.
func (m *Module) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.attrs[key]
	return v, ok
}

// Set installs or overwrites the named attribute.
func (m *Module) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attrs[key] = value
}

// threadNode is the intrusive doubly-linked list node gluing a
// *thread.ThreadState into this interpreter's thread registry. thread.New
// deliberately carries no prev/next fields of its own (it must not depend on
// interp), so the list lives here, shaped like gc's sentinel circular list.
type threadNode struct {
	prev, next *threadNode
	ts         *thread.ThreadState
}

// Interpreter is one isolated interpreter, per spec.md §3. id==0 identifies
// the main interpreter, matching spec.md's "main_interpreter.id == 0"
// invariant — enforced by the caller (runtimecore), not this constructor.
type Interpreter struct {
	ID int64

	// Next chains sibling interpreters head-first in the runtime-wide
	// registry (spec.md §3: "next: pointer into sibling chain"). Owned and
	// mutated only by runtimecore, under its interpreter-registry mutex.
	Next *Interpreter

	GEL *gel.Lock
	GC  *gc.Collector

	Config Config

	headMu       sync.Mutex
	threadsHead  threadNode // sentinel
	nextThreadID atomic.Int64
	threadsMain  *thread.ThreadState

	idMu          sync.Mutex
	idRefCount    int64
	requiresIDRef bool

	dictMu sync.RWMutex
	dict   map[string]any

	modulesMu sync.RWMutex
	modules   map[string]*Module

	cleared bool
	deleted bool

	log *corelog.Logger
}

// New constructs an Interpreter with empty GC generations (thresholds
// {700, 10, 10} via gc.NewCollector), an independent GEL, and empty
// dict/module registries, per spec.md §4.2's Create operation.
func New(id int64, cfg Config) *Interpreter {
	i := &Interpreter{
		ID:      id,
		Config:  cfg,
		GC:      gc.NewCollector(),
		dict:    make(map[string]any),
		modules: make(map[string]*Module),
		log:     corelog.Named("interp"),
	}
	i.threadsHead.next = &i.threadsHead
	i.threadsHead.prev = &i.threadsHead
	i.nextThreadID.Store(1)

	switchInterval := gel.DefaultSwitchInterval
	if cfg.SwitchInterval > 0 {
		switchInterval = time.Duration(cfg.SwitchInterval)
	}
	i.GEL = gel.New(switchInterval)

	i.log.Info("interpreter created", corelog.F("id", id))
	return i
}

// NewThread allocates a fresh thread.ThreadState owned by this interpreter,
// assigns it the next per-interpreter unique id, and links it at the head of
// the thread registry under headMu, per spec.md §4.3's Create operation.
func (i *Interpreter) NewThread() *thread.ThreadState {
	id := i.nextThreadID.Add(1) - 1
	ts := thread.New(i, id, i.GEL, i.Config.RecursionLimit)

	n := &threadNode{ts: ts}
	i.headMu.Lock()
	n.next = i.threadsHead.next
	n.prev = &i.threadsHead
	i.threadsHead.next.prev = n
	i.threadsHead.next = n
	i.headMu.Unlock()

	i.log.Debug("thread-state created", corelog.F("interp_id", i.ID), corelog.F("thread_id", id))
	return ts
}

// Threads returns every live thread-state currently linked into this
// interpreter's registry, per spec.md §8's "well-formed doubly-linked list"
// invariant (exposed here as a snapshot slice for callers and tests).
func (i *Interpreter) Threads() []*thread.ThreadState {
	i.headMu.Lock()
	defer i.headMu.Unlock()
	var out []*thread.ThreadState
	for n := i.threadsHead.next; n != &i.threadsHead; n = n.next {
		out = append(out, n.ts)
	}
	return out
}

// removeThread unlinks ts from the registry, if present, returning whether
// it was found.
func (i *Interpreter) removeThread(ts *thread.ThreadState) bool {
	i.headMu.Lock()
	defer i.headMu.Unlock()
	for n := i.threadsHead.next; n != &i.threadsHead; n = n.next {
		if n.ts == ts {
			n.prev.next = n.next
			n.next.prev = n.prev
			return true
		}
	}
	return false
}

// SetRunningMain claims the "program main" role for ts, per spec.md §4.2.
// Fails (aborts the process, per spec.md §7's "operational routines abort
// on failure") if another thread-state already holds the role.
func (i *Interpreter) SetRunningMain(ts *thread.ThreadState) {
	i.headMu.Lock()
	defer i.headMu.Unlock()
	if i.threadsMain != nil && i.threadsMain != ts {
		cpython.Abort("interp: set_running_main: interpreter %d already has a running main", i.ID)
		return
	}
	i.threadsMain = ts
}

// UnsetRunningMain clears the running-main marker and fires the departing
// thread-state's on_delete callback, per spec.md §4.2 and §3's on_delete
// contract (idempotent: FireOnDelete no-ops if already fired elsewhere).
func (i *Interpreter) UnsetRunningMain() {
	i.headMu.Lock()
	ts := i.threadsMain
	i.threadsMain = nil
	i.headMu.Unlock()
	if ts != nil {
		ts.FireOnDelete()
	}
}

// IsRunningMain reports whether ts currently holds the running-main role.
func (i *Interpreter) IsRunningMain(ts *thread.ThreadState) bool {
	i.headMu.Lock()
	defer i.headMu.Unlock()
	return i.threadsMain == ts
}

// FailIfRunningMain is the non-destructive check named in spec.md §4.2:
// reports whether a running main is already claimed, without mutating
// state.
func (i *Interpreter) FailIfRunningMain() bool {
	i.headMu.Lock()
	defer i.headMu.Unlock()
	return i.threadsMain != nil
}

// SetRequiresIDRef marks this interpreter as subject to id-refcount
// auto-finalization (spec.md §4.2's "ID refcounting").
func (i *Interpreter) SetRequiresIDRef(require bool) {
	i.idMu.Lock()
	defer i.idMu.Unlock()
	i.requiresIDRef = require
}

// IncrementIDRefcount bumps the external reference count on this
// interpreter's id.
func (i *Interpreter) IncrementIDRefcount() {
	i.idMu.Lock()
	defer i.idMu.Unlock()
	i.idRefCount++
}

// DecrementIDRefcount drops the external reference count, reporting whether
// it reached zero while RequiresIDRef was set — the caller (runtimecore) is
// then responsible for driving the auto-finalize dance (create, bind, and
// swap in a fresh thread-state to invoke Clear+Delete), per spec.md §4.2.
func (i *Interpreter) DecrementIDRefcount() (shouldAutoFinalize bool) {
	i.idMu.Lock()
	defer i.idMu.Unlock()
	i.idRefCount--
	return i.requiresIDRef && i.idRefCount <= 0
}

// GetDict reads a key from the interpreter-wide shared dict (spec.md §3's
// `dict`/`sysdict`; modeled here as one flat map since the distinction
// between the two is an object-model concern outside this package's scope).
func (i *Interpreter) GetDict(key string) (any, bool) {
	i.dictMu.RLock()
	defer i.dictMu.RUnlock()
	v, ok := i.dict[key]
	return v, ok
}

// SetDict installs a key in the interpreter-wide shared dict.
func (i *Interpreter) SetDict(key string, value any) {
	i.dictMu.Lock()
	defer i.dictMu.Unlock()
	i.dict[key] = value
}

// DefineModule creates (or returns the existing) module named name in this
// interpreter's private module registry. Per spec.md §8 scenario 5, a
// module defined in one interpreter must be invisible to every other.
func (i *Interpreter) DefineModule(name string) *Module {
	i.modulesMu.Lock()
	defer i.modulesMu.Unlock()
	if m, ok := i.modules[name]; ok {
		return m
	}
	m := newModule(name)
	i.modules[name] = m
	return m
}

// GetModule looks up a module by name in this interpreter's registry only.
func (i *Interpreter) GetModule(name string) (*Module, bool) {
	i.modulesMu.RLock()
	defer i.modulesMu.RUnlock()
	m, ok := i.modules[name]
	return m, ok
}

// OpcodeTable exposes the process-wide opcode metadata table (spec.md §4.8),
// read-only, for the benefit of an embedded compiler/evaluator — the core
// itself never dispatches on it.
func (i *Interpreter) OpcodeTable() opcode.Table { return opcode.All() }

// Clear runs the per-interpreter teardown of spec.md §4.2: walks every
// thread-state calling Clear, empties the module registry and shared dict,
// and performs one final, non-failing full collection before the GC state
// itself is considered torn down. auditHook, if non-nil, runs first (spec.md
// §4.2: "Runs an audit hook, then walks every thread-state").
func (i *Interpreter) Clear(auditHook func()) {
	if auditHook != nil {
		auditHook()
	}
	for _, ts := range i.Threads() {
		ts.Clear()
	}

	i.modulesMu.Lock()
	i.modules = make(map[string]*Module)
	i.modulesMu.Unlock()

	i.GC.Collect(2)

	i.dictMu.Lock()
	i.dict = make(map[string]any)
	i.dictMu.Unlock()

	i.cleared = true
	i.log.Info("interpreter cleared", corelog.F("id", i.ID))
}

// Delete reaps every already-cleared thread-state from the registry and
// marks the interpreter deleted. Per spec.md §4.2, the caller is responsible
// for having detached any thread-state belonging to this interpreter before
// calling Delete. Returns false if Clear was never called.
func (i *Interpreter) Delete() bool {
	if !i.cleared {
		return false
	}
	for _, ts := range i.Threads() {
		if ts.Delete() {
			i.removeThread(ts)
		}
	}
	i.deleted = true
	i.log.Info("interpreter deleted", corelog.F("id", i.ID))
	return true
}

// IsCleared and IsDeleted expose lifecycle state for tests and runtimecore's
// own bookkeeping.
func (i *Interpreter) IsCleared() bool { return i.cleared }
func (i *Interpreter) IsDeleted() bool { return i.deleted }
