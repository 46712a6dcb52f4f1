package loom

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Logger is a named node of the configuration tree. Handles are
// stable: emitters may cache them for the process lifetime. The
// mutable pieces — effective threshold and sink list — are atomics,
// so the emission gate and fan-out never take a lock and never
// allocate.
type Logger struct {
	name            string
	id              uint64
	parent          *Logger
	explicit        atomic.Bool
	threshold       atomic.Uint32 // explicit threshold, valid when explicit
	effective       atomic.Uint32 // resolved threshold used by the gate
	sinks           atomic.Pointer[[]Sink]
	captureLocation atomic.Bool
}

// SetCaptureLocation enables source-location capture for records this
// logger accepts. Off by default: the runtime.Caller lookup costs more
// than the rest of the capture path combined.
func (l *Logger) SetCaptureLocation(on bool) {
	l.captureLocation.Store(on)
}

// Name returns the logger's full dotted name; the root is "".
func (l *Logger) Name() string {
	if l == nil {
		return ""
	}
	return l.name
}

// EffectiveThreshold returns the threshold the gate applies, after
// ancestor inheritance.
func (l *Logger) EffectiveThreshold() Severity {
	if l == nil {
		return Severity(255)
	}
	return Severity(l.effective.Load())
}

// Enabled reports whether a record at sev would pass the gate.
func (l *Logger) Enabled(sev Severity) bool {
	return l != nil && uint32(sev) >= l.effective.Load()
}

// registryState is the read snapshot: an immutable map replaced
// wholesale on configuration change.
type registryState struct {
	byName map[string]*Logger
	byID   map[uint64]*Logger
}

var registry struct {
	mu     sync.Mutex // serializes writers
	state  atomic.Pointer[registryState]
	nextID atomic.Uint64
}

func init() {
	root := &Logger{name: "", id: registry.nextID.Add(1)}
	root.explicit.Store(true)
	root.threshold.Store(uint32(DefaultThreshold))
	root.effective.Store(uint32(DefaultThreshold))
	empty := []Sink{}
	root.sinks.Store(&empty)
	st := &registryState{
		byName: map[string]*Logger{"": root},
		byID:   map[uint64]*Logger{root.id: root},
	}
	registry.state.Store(st)
}

// GetLogger returns the logger for a dotted name, creating it and any
// missing ancestors on first use. The empty name is the root.
func GetLogger(name string) *Logger {
	st := registry.state.Load()
	if l, ok := st.byName[name]; ok {
		return l
	}
	return createLogger(name)
}

func createLogger(name string) *Logger {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	st := registry.state.Load()
	if l, ok := st.byName[name]; ok {
		return l
	}

	next := &registryState{
		byName: make(map[string]*Logger, len(st.byName)+1),
		byID:   make(map[uint64]*Logger, len(st.byID)+1),
	}
	for k, v := range st.byName {
		next.byName[k] = v
	}
	for k, v := range st.byID {
		next.byID[k] = v
	}

	l := ensureLocked(next, name)
	registry.state.Store(next)
	return l
}

// ensureLocked creates name and its missing ancestors in next.
// Callers hold registry.mu.
func ensureLocked(next *registryState, name string) *Logger {
	if l, ok := next.byName[name]; ok {
		return l
	}
	parentName := ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		parentName = name[:i]
	}
	parent := ensureLocked(next, parentName)

	l := &Logger{name: name, id: registry.nextID.Add(1), parent: parent}
	l.effective.Store(parent.effective.Load())
	empty := []Sink{}
	l.sinks.Store(&empty)
	next.byName[name] = l
	next.byID[l.id] = l
	return l
}

// SetThreshold sets an explicit threshold on a logger and propagates
// the new effective threshold through descendants that inherit. The
// change is visible to subsequent emissions immediately.
func SetThreshold(name string, sev Severity) {
	l := GetLogger(name)
	registry.mu.Lock()
	defer registry.mu.Unlock()
	l.explicit.Store(true)
	l.threshold.Store(uint32(sev))
	recomputeLocked()
}

// ClearThreshold removes a logger's explicit threshold so it inherits
// again. The root's threshold cannot be cleared.
func ClearThreshold(name string) {
	if name == "" {
		return
	}
	l := GetLogger(name)
	registry.mu.Lock()
	defer registry.mu.Unlock()
	l.explicit.Store(false)
	recomputeLocked()
}

// recomputeLocked refreshes every logger's effective threshold.
// Callers hold registry.mu. Loggers are visited parents-first by
// walking names in order of increasing depth.
func recomputeLocked() {
	st := registry.state.Load()
	names := make([]string, 0, len(st.byName))
	for n := range st.byName {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		return depth(names[i]) < depth(names[j])
	})
	for _, n := range names {
		l := st.byName[n]
		if l.explicit.Load() {
			l.effective.Store(l.threshold.Load())
		} else if l.parent != nil {
			l.effective.Store(l.parent.effective.Load())
		}
	}
}

func depth(name string) int {
	if name == "" {
		return 0
	}
	return strings.Count(name, ".") + 1
}

// setSinks replaces a logger's sink list.
func (l *Logger) setSinks(sinks []Sink) {
	s := make([]Sink, len(sinks))
	copy(s, sinks)
	l.sinks.Store(&s)
}

// SetSinks attaches sinks to a named logger, replacing any previous
// list.
func SetSinks(name string, sinks ...Sink) {
	GetLogger(name).setSinks(sinks)
}

// LoggerInfo is one row of ListLoggers.
type LoggerInfo struct {
	Name               string
	EffectiveThreshold Severity
	Explicit           bool
}

// ListLoggers returns every registered logger with its resolved
// threshold, sorted by name.
func ListLoggers() []LoggerInfo {
	st := registry.state.Load()
	out := make([]LoggerInfo, 0, len(st.byName))
	for _, l := range st.byName {
		out = append(out, LoggerInfo{
			Name:               l.name,
			EffectiveThreshold: Severity(l.effective.Load()),
			Explicit:           l.explicit.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// loggerNameByID resolves a frame's logger id on the worker path.
func loggerNameByID(id uint64) string {
	st := registry.state.Load()
	if l, ok := st.byID[id]; ok {
		return l.name
	}
	return ""
}

// effectiveSinks walks up the tree to the nearest logger with an
// attached sink list.
func (l *Logger) effectiveSinks() []Sink {
	for n := l; n != nil; n = n.parent {
		if s := n.sinks.Load(); s != nil && len(*s) > 0 {
			return *s
		}
	}
	return nil
}
