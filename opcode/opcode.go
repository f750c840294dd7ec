// Package opcode implements the 256-entry bytecode-opcode metadata table
// described in spec.md §4.8: a content-addressed, read-only-after-generation
// array the evaluator would use to walk the instruction stream and the
// compiler would use to compute stack depth. Layout and field set are
// grounded on original_source/Python/opcode_metadata.h (the generated
// _PyOpcode_num_popped/_PyOpcode_num_pushed/_PyOpcode_deopt tables and the
// instruction-format enum they accompany); the evaluator and compiler that
// would consume this table are out of scope per spec.md §1.
package opcode

import "fmt"

// Format tags describe how immediate operand bytes and inline-cache slots
// are laid out following an opcode in the instruction stream, matching the
// small enum named in spec.md §4.8.
type Format int

const (
	// FormatIB is a bare instruction: one byte opcode, one byte oparg, no
	// cache entries.
	FormatIB Format = iota
	// FormatIBC is IB followed by cache_slots 16-bit cache entries.
	FormatIBC
	// FormatIBC0 is IBC where the cache is conventionally all-zero until
	// first specialization.
	FormatIBC0
	// FormatIBIB is two fused IB instructions (a superinstruction).
	FormatIBIB
	// FormatIX is an extended-arg-prefixed instruction with no cache.
	FormatIX
	// FormatIXC is an extended-arg-prefixed instruction with cache.
	FormatIXC
)

func (f Format) String() string {
	switch f {
	case FormatIB:
		return "IB"
	case FormatIBC:
		return "IBC"
	case FormatIBC0:
		return "IBC0"
	case FormatIBIB:
		return "IBIB"
	case FormatIX:
		return "IX"
	case FormatIXC:
		return "IXC"
	default:
		return "UNKNOWN"
	}
}

// StackEffect computes a stack-depth delta as a function of the immediate
// operand and whether a conditional branch is taken. It returns -1 when the
// effect is variable and the specialized logic named by the opcode (outside
// this package's scope) must be consulted instead, matching spec.md §4.8's
// "pop(oparg, jump)" / "push(oparg, jump)" contract.
type StackEffect func(oparg int, jump bool) int

// constEffect builds a StackEffect that ignores its arguments.
func constEffect(n int) StackEffect {
	return func(int, bool) int { return n }
}

// Entry is one row of the opcode metadata table.
type Entry struct {
	// Op is the opcode number, 0..255, doubling as this entry's index.
	Op int
	// Name is the short textual identifier, debug-only per spec.md §9
	// (unused reserved slots 1..255 get a placeholder of the form "<N>",
	// N in decimal; slot 0 keeps an empty name).
	Name string
	// CacheSlots is the count of 16-bit cache entries immediately
	// following the opcode in the instruction stream, 0-9.
	CacheSlots int
	// DeoptTarget is the "family head" opcode a specialized variant
	// reverts to when its inline cache invalidates. For an opcode with no
	// specialized family, DeoptTarget is Op itself.
	DeoptTarget int
	// Pop and Push are the stack-effect functions.
	Pop  StackEffect
	Push StackEffect
	// Format describes the instruction's operand/cache layout.
	Format Format
	// ValidEntry is false for reserved/unused opcode numbers.
	ValidEntry bool
}

// TableSize is the fixed width of the opcode table, per spec.md §3.
const TableSize = 256

// Table is the 256-entry, content-addressed opcode metadata table.
type Table [TableSize]Entry

// spec describes one opcode family at table-build time: a head opcode with
// zero or more specialized variants that deopt back to it.
type spec struct {
	name       string
	cacheSlots int
	pop, push  StackEffect
	format     Format
	variants   []string // specialized variant names, same pop/push/cache as head
}

// families enumerates representative opcode categories spanning the shapes
// an evaluator distinguishes: zero-effect control ops, unary/binary
// arithmetic (with specialized int/float variants that deopt to a shared
// head, mirroring BINARY_OP's specialization family in
// opcode_metadata.h), stack manipulation, and calls. This is not a
// transliteration of CPython's opcode list — the bytecode evaluator and
// compiler are explicitly out of scope (spec.md §1) — only the table's
// shape and invariants are in scope (spec.md §4.8, §8).
var families = []spec{
	{name: "NOP", format: FormatIB, pop: constEffect(0), push: constEffect(0)},
	{name: "RESUME", format: FormatIB, pop: constEffect(0), push: constEffect(0)},
	{name: "POP_TOP", format: FormatIB, pop: constEffect(1), push: constEffect(0)},
	{name: "PUSH_NULL", format: FormatIB, pop: constEffect(0), push: constEffect(1)},
	{name: "LOAD_CONST", format: FormatIBC0, cacheSlots: 0, pop: constEffect(0), push: constEffect(1)},
	{
		name: "LOAD_FAST", format: FormatIBC0, pop: constEffect(0), push: constEffect(1),
		variants: []string{"LOAD_FAST_CHECK", "LOAD_FAST_AND_CLEAR"},
	},
	{name: "STORE_FAST", format: FormatIB, pop: constEffect(1), push: constEffect(0)},
	{
		name: "UNARY_NEGATIVE", format: FormatIB, pop: constEffect(1), push: constEffect(1),
	},
	{name: "UNARY_NOT", format: FormatIB, pop: constEffect(1), push: constEffect(1)},
	{name: "UNARY_INVERT", format: FormatIB, pop: constEffect(1), push: constEffect(1)},
	{
		name: "BINARY_OP", format: FormatIBC, cacheSlots: 1, pop: constEffect(2), push: constEffect(1),
		variants: []string{
			"BINARY_OP_ADD_INT", "BINARY_OP_ADD_FLOAT", "BINARY_OP_ADD_UNICODE",
			"BINARY_OP_MULTIPLY_INT", "BINARY_OP_MULTIPLY_FLOAT",
			"BINARY_OP_SUBTRACT_INT", "BINARY_OP_SUBTRACT_FLOAT",
		},
	},
	{
		name: "BINARY_SUBSCR", format: FormatIBC, cacheSlots: 4, pop: constEffect(2), push: constEffect(1),
		variants: []string{"BINARY_SUBSCR_LIST_INT", "BINARY_SUBSCR_TUPLE_INT", "BINARY_SUBSCR_DICT", "BINARY_SUBSCR_GETITEM"},
	},
	{name: "BINARY_SLICE", format: FormatIB, pop: constEffect(3), push: constEffect(1)},
	{name: "STORE_SLICE", format: FormatIB, pop: constEffect(4), push: constEffect(0)},
	{name: "STORE_SUBSCR", format: FormatIBC, cacheSlots: 1, pop: constEffect(3), push: constEffect(0),
		variants: []string{"STORE_SUBSCR_LIST_INT", "STORE_SUBSCR_DICT"}},
	{
		name: "COMPARE_OP", format: FormatIBC, cacheSlots: 1, pop: constEffect(2), push: constEffect(1),
		variants: []string{"COMPARE_OP_INT", "COMPARE_OP_FLOAT", "COMPARE_OP_STR"},
	},
	{
		name: "FOR_ITER", format: FormatIBC, cacheSlots: 1,
		pop:  func(oparg int, jump bool) int { return 0 },
		push: func(oparg int, jump bool) int { if jump { return 0 }; return 2 },
		variants: []string{"FOR_ITER_LIST", "FOR_ITER_TUPLE", "FOR_ITER_RANGE", "FOR_ITER_GEN"},
	},
	{
		name: "JUMP_BACKWARD", format: FormatIX, pop: constEffect(0), push: constEffect(0),
	},
	{
		name: "POP_JUMP_IF_FALSE", format: FormatIB,
		pop:  constEffect(1),
		push: constEffect(0),
	},
	{
		name: "POP_JUMP_IF_TRUE", format: FormatIB,
		pop:  constEffect(1),
		push: constEffect(0),
	},
	{
		name: "CALL", format: FormatIBC, cacheSlots: 3,
		pop:  func(oparg int, jump bool) int { return oparg + 2 },
		push: constEffect(1),
		variants: []string{"CALL_PY_EXACT_ARGS", "CALL_BUILTIN_FAST", "CALL_METHOD_DESCRIPTOR_FAST"},
	},
	{
		name: "CALL_FUNCTION_EX", format: FormatIB, pop: constEffect(4), push: constEffect(1),
	},
	{name: "RETURN_VALUE", format: FormatIB, pop: constEffect(1), push: constEffect(0)},
	{name: "RAISE_VARARGS", format: FormatIB, pop: func(oparg int, jump bool) int { return oparg }, push: constEffect(0)},
	{name: "BUILD_LIST", format: FormatIB, pop: func(oparg int, jump bool) int { return oparg }, push: constEffect(1)},
	{name: "BUILD_TUPLE", format: FormatIB, pop: func(oparg int, jump bool) int { return oparg }, push: constEffect(1)},
	{name: "BUILD_MAP", format: FormatIB, pop: func(oparg int, jump bool) int { return oparg * 2 }, push: constEffect(1)},
	{name: "LIST_APPEND", format: FormatIB, pop: func(oparg int, jump bool) int { return (oparg - 1) + 2 }, push: func(oparg int, jump bool) int { return oparg + 1 }},
	{name: "SET_ADD", format: FormatIB, pop: func(oparg int, jump bool) int { return (oparg - 1) + 2 }, push: func(oparg int, jump bool) int { return oparg + 1 }},
	{name: "MAKE_FUNCTION", format: FormatIB, pop: constEffect(1), push: constEffect(1)},
	{name: "LOAD_GLOBAL", format: FormatIBC, cacheSlots: 4, pop: constEffect(0), push: func(oparg int, jump bool) int { return (oparg & 1) + 1 }},
	{name: "LOAD_ATTR", format: FormatIBC, cacheSlots: 9, pop: constEffect(1), push: func(oparg int, jump bool) int { return (oparg & 1) + 1 },
		variants: []string{"LOAD_ATTR_INSTANCE_VALUE", "LOAD_ATTR_SLOT", "LOAD_ATTR_MODULE"}},
	{name: "STORE_ATTR", format: FormatIBC, cacheSlots: 4, pop: constEffect(2), push: constEffect(0),
		variants: []string{"STORE_ATTR_INSTANCE_VALUE", "STORE_ATTR_SLOT"}},
	{name: "END_FOR", format: FormatIB, pop: constEffect(2), push: constEffect(0)},
	{name: "COPY", format: FormatIB, pop: func(oparg int, jump bool) int { return oparg }, push: func(oparg int, jump bool) int { return oparg + 1 }},
	{name: "SWAP", format: FormatIB, pop: func(oparg int, jump bool) int { return oparg }, push: func(oparg int, jump bool) int { return oparg }},
	{name: "GET_ITER", format: FormatIB, pop: constEffect(1), push: constEffect(1)},
	{name: "IMPORT_NAME", format: FormatIB, pop: constEffect(2), push: constEffect(1)},
	{name: "IMPORT_FROM", format: FormatIB, pop: constEffect(1), push: constEffect(2)},
	{name: "SETUP_FINALLY", format: FormatIX, pop: constEffect(0), push: constEffect(0)},
	{name: "RERAISE", format: FormatIB, pop: func(oparg int, jump bool) int { return oparg + 1 }, push: constEffect(0)},
	{name: "YIELD_VALUE", format: FormatIB, pop: constEffect(1), push: constEffect(1)},
	{name: "GET_AWAITABLE", format: FormatIB, pop: constEffect(1), push: constEffect(1)},
	{name: "EXTENDED_ARG", format: FormatIX, pop: constEffect(0), push: constEffect(0)},
}

var table Table
var byName map[string]int

func init() {
	table, byName = build()
}

// build assembles the 256-entry table from families, assigning opcode
// numbers sequentially starting at 1 (0 is reserved, matching CPython's
// reservation of opcode 0 for CACHE) and setting DeoptTarget on every
// specialized variant to point at its family head, with the head's own
// DeoptTarget pointing at itself — establishing the closure property
// asserted in spec.md §8: deopt_target[deopt_target[o]] == deopt_target[o].
func build() (Table, map[string]int) {
	var t Table
	names := make(map[string]int)
	next := 1
	assign := func(name string, cacheSlots int, pop, push StackEffect, format Format) int {
		op := next
		next++
		t[op] = Entry{
			Op: op, Name: name, CacheSlots: cacheSlots,
			Pop: pop, Push: push, Format: format, ValidEntry: true,
		}
		names[name] = op
		return op
	}
	for _, fam := range families {
		head := assign(fam.name, fam.cacheSlots, fam.pop, fam.push, fam.format)
		t[head].DeoptTarget = head
		for _, v := range fam.variants {
			vop := assign(v, fam.cacheSlots, fam.pop, fam.push, fam.format)
			t[vop].DeoptTarget = head
		}
	}
	for op := next; op < TableSize; op++ {
		t[op] = Entry{Op: op, Name: reservedName(op), ValidEntry: false, DeoptTarget: op}
	}
	return t, names
}

// reservedName names an unused opcode slot with a decimal placeholder such
// as "<160>", the same form as the source's debug-only name table.
func reservedName(op int) string { return fmt.Sprintf("<%d>", op) }

// Get returns the entry for opcode op. Panics if op is out of [0, 256) —
// the evaluator never dispatches on an out-of-range byte, so this is an
// internal-invariant violation, not a recoverable condition.
func Get(op int) Entry {
	if op < 0 || op >= TableSize {
		panic(fmt.Sprintf("opcode: opcode %d out of range", op))
	}
	return table[op]
}

// Lookup resolves an opcode by name, for tests and diagnostics.
func Lookup(name string) (Entry, bool) {
	op, ok := byName[name]
	if !ok {
		return Entry{}, false
	}
	return table[op], true
}

// All returns the full table, read-only by convention (callers must not
// mutate the returned array's entries' slices of shared state; Entry
// itself holds no pointers back into package state beyond function values).
func All() Table { return table }
