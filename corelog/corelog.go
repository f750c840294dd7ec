// Package corelog wires the runtime substrate's diagnostic output to
// logiface, the structured leveled-logging library used throughout the
// retrieved corpus, backed by stumpy's JSON event encoder. runtimecore,
// interp, and ensure log through it rather than writing to an io.Writer
// directly: they ask corelog for a named, pre-leveled logger. thread and gc
// do not log.
package corelog

import (
	"io"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Event is the concrete event type produced by the stumpy backend.
type Event = stumpy.Event

type baseLogger = logiface.Logger[*Event]

var (
	mu   sync.RWMutex
	base *baseLogger
	out  io.Writer = os.Stderr
)

func init() {
	base = newBase(out, logiface.LevelInformational)
}

func newBase(w io.Writer, level logiface.Level) *baseLogger {
	return logiface.New[*Event](
		stumpy.WithStumpy(stumpy.WithWriter(w)),
		logiface.WithLevel[*Event](level),
	)
}

// SetOutput redirects every future named logger's output. Intended for use
// by an embedder at process start, or by tests that want to capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	base = newBase(w, base.Level())
}

// SetLevel adjusts the minimum level logged by every named logger sharing
// the package-level base. This mirrors the role of the gc_state.debug
// bitmask from spec.md §4.7: rather than a second ad-hoc print path,
// verbosity is just a level.
func SetLevel(level logiface.Level) {
	mu.Lock()
	defer mu.Unlock()
	base = newBase(out, level)
}

// Field is a single structured key/value pair attached to a log line.
type Field struct {
	Key string
	Val any
}

// F builds a Field inline at call sites, e.g. corelog.F("thread_id", id).
func F(key string, val any) Field { return Field{Key: key, Val: val} }

// Logger is a component-scoped structured logger. component is attached as
// a field on every emitted event, so aggregate output can be filtered by
// subsystem (runtime, interp, thread, gc, ensure).
type Logger struct {
	component string
}

// Named returns a logger tagged with component=name.
func Named(name string) *Logger { return &Logger{component: name} }

func (l *Logger) current() *baseLogger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func (l *Logger) log(level logiface.Level, msg string, fields []Field) {
	_ = l.current().Log(level, logiface.NewModifierFunc(func(e *Event) error {
		e.AddField("component", l.component)
		if msg != "" {
			e.AddMessage(msg)
		}
		for _, f := range fields {
			e.AddField(f.Key, f.Val)
		}
		return nil
	}))
}

func (l *Logger) Trace(msg string, fields ...Field)   { l.log(logiface.LevelTrace, msg, fields) }
func (l *Logger) Debug(msg string, fields ...Field)   { l.log(logiface.LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)    { l.log(logiface.LevelInformational, msg, fields) }
func (l *Logger) Notice(msg string, fields ...Field)  { l.log(logiface.LevelNotice, msg, fields) }
func (l *Logger) Warning(msg string, fields ...Field) { l.log(logiface.LevelWarning, msg, fields) }
func (l *Logger) Err(msg string, fields ...Field)     { l.log(logiface.LevelError, msg, fields) }
func (l *Logger) Crit(msg string, fields ...Field)    { l.log(logiface.LevelCritical, msg, fields) }

// Fatal logs at emergency level, the most severe logiface level. It does
// not abort; the abort paths in this module call cpython.Abort without
// logging through it.
func (l *Logger) Fatal(msg string, fields ...Field) { l.log(logiface.LevelEmergency, msg, fields) }
