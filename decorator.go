package loom

import (
	"bytes"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// View is the composed form of a record presented to decorators,
// filters, and sink write paths. The sync path builds it from the
// live record on the emitting thread; the worker builds it from a
// decoded frame plus write-time context.
type View struct {
	severity  Severity
	logger    string
	tsNS      int64
	loc       string
	entity    string
	task      string
	scope     string
	truncated bool
	comps     []Component
	compStore [MaxComponents + 2]Component
}

// Severity returns the record's severity.
func (v *View) Severity() Severity { return v.severity }

// LoggerName returns the owning logger's full name.
func (v *View) LoggerName() string { return v.logger }

// Time returns the emission instant.
func (v *View) Time() time.Time { return time.Unix(0, v.tsNS) }

// Location returns the "file:line" of the emission site.
func (v *View) Location() string { return v.loc }

// Entity returns the enclosing symbol of the emission site.
func (v *View) Entity() string { return v.entity }

// Len returns the number of payload components.
func (v *View) Len() int { return len(v.comps) }

// Component returns the i-th payload component.
func (v *View) Component(i int) Component {
	if i < 0 || i >= len(v.comps) {
		return Component{}
	}
	return v.comps[i]
}

// Truncated reports whether the record was cut at the frame size cap.
func (v *View) Truncated() bool { return v.truncated }

var viewPool = sync.Pool{
	New: func() interface{} { return new(View) },
}

// viewFromRecord builds a view borrowing the live record's components.
// Valid only within the emit call.
func viewFromRecord(r *Record) *View {
	v := viewPool.Get().(*View)
	v.severity = r.severity
	v.logger = r.LoggerName()
	v.tsNS = r.when.UnixNano()
	v.loc = r.file
	if r.line > 0 {
		v.loc = r.file + ":" + strconv.Itoa(r.line)
	}
	v.entity = r.entity
	v.truncated = false
	v.task = ""
	v.scope = ""
	if TaskID != nil {
		v.task = strconv.FormatUint(TaskID(), 10)
	}
	if ScopeInfo != nil {
		depth, elapsed := ScopeInfo()
		v.scope = strconv.Itoa(depth) + ":" + strconv.FormatInt(elapsed, 10)
	}
	v.comps = v.compStore[:0]
	for i := 0; i < r.n; i++ {
		v.comps = append(v.comps, r.comps[i])
	}
	return v
}

// viewFromFrame builds a view from a decoded frame. Components with
// reserved type ids carry capture-time decorator values and are
// lifted out of the payload sequence.
func viewFromFrame(fv *FrameView, loggerName string) (*View, error) {
	v := viewPool.Get().(*View)
	v.severity = fv.severity
	v.logger = loggerName
	v.tsNS = fv.tsNS
	v.loc = fv.loc
	v.entity = fv.entity
	v.truncated = fv.Truncated()
	v.task = ""
	v.scope = ""
	comps, err := fv.Components(v.compStore[:0])
	if err != nil {
		viewPool.Put(v)
		return nil, err
	}
	v.comps = comps[:0]
	for _, c := range comps {
		if c.kind == kindUser {
			switch c.tid {
			case taskTypeID:
				v.task = string(c.b)
				continue
			case scopeTypeID:
				v.scope = string(c.b)
				continue
			}
		}
		v.comps = append(v.comps, c)
	}
	return v, nil
}

func (v *View) release() {
	v.comps = nil
	viewPool.Put(v)
}

// Decorator renders one named fragment of a sink's output format.
type Decorator interface {
	// Name is the placeholder resolved against format templates.
	Name() string
	// Emit appends the fragment for the view to out.
	Emit(v *View, out *bytes.Buffer)
}

// decoratorFunc adapts a function to the Decorator interface.
type decoratorFunc struct {
	name string
	emit func(v *View, out *bytes.Buffer)
}

func (d decoratorFunc) Name() string                    { return d.name }
func (d decoratorFunc) Emit(v *View, out *bytes.Buffer) { d.emit(v, out) }

var decoratorRegistry struct {
	mu    sync.Mutex
	table atomic.Pointer[map[string]Decorator]
}

// RegisterDecorator adds a decorator to the registry. Duplicate names
// fail; registrations are append-only.
func RegisterDecorator(d Decorator) error {
	if d == nil || d.Name() == "" {
		return errors.New("decorator requires a name")
	}
	decoratorRegistry.mu.Lock()
	defer decoratorRegistry.mu.Unlock()
	old := decoratorRegistry.table.Load()
	if old != nil {
		if _, dup := (*old)[d.Name()]; dup {
			return errors.Errorf("decorator %q already registered", d.Name())
		}
	}
	next := make(map[string]Decorator, 1)
	if old != nil {
		for k, v := range *old {
			next[k] = v
		}
	}
	next[d.Name()] = d
	decoratorRegistry.table.Store(&next)
	return nil
}

func lookupDecorator(name string) Decorator {
	table := decoratorRegistry.table.Load()
	if table == nil {
		return nil
	}
	return (*table)[name]
}

// appendMessage renders the record's components in order with no
// separators, the way the msg decorator prints a record.
func appendMessage(v *View, out *bytes.Buffer) {
	tmp := out.AvailableBuffer()
	for _, c := range v.comps {
		tmp = c.appendText(tmp)
	}
	out.Write(tmp)
	if v.truncated {
		out.WriteString(overflowMarker)
	}
}

func init() {
	std := []Decorator{
		decoratorFunc{"msg", appendMessage},
		decoratorFunc{"severity", func(v *View, out *bytes.Buffer) {
			out.WriteString(v.severity.String())
		}},
		decoratorFunc{"logger", func(v *View, out *bytes.Buffer) {
			if v.logger == "" {
				out.WriteString("<root>")
				return
			}
			out.WriteString(v.logger)
		}},
		decoratorFunc{"date_time", func(v *View, out *bytes.Buffer) {
			b := out.AvailableBuffer()
			b = v.Time().AppendFormat(b, "2006-01-02 15:04:05.000")
			out.Write(b)
		}},
		decoratorFunc{"time", func(v *View, out *bytes.Buffer) {
			b := out.AvailableBuffer()
			b = v.Time().AppendFormat(b, "15:04:05.000")
			out.Write(b)
		}},
		decoratorFunc{"pid", func(v *View, out *bytes.Buffer) {
			b := out.AvailableBuffer()
			b = strconv.AppendInt(b, int64(os.Getpid()), 10)
			out.Write(b)
		}},
		decoratorFunc{"task_id", func(v *View, out *bytes.Buffer) {
			if v.task == "" {
				out.WriteByte('-')
				return
			}
			out.WriteString(v.task)
		}},
		decoratorFunc{"source_location", func(v *View, out *bytes.Buffer) {
			if v.loc == "" {
				out.WriteByte('-')
				return
			}
			out.WriteString(v.loc)
			if v.entity != "" {
				out.WriteByte(' ')
				out.WriteByte('(')
				out.WriteString(v.entity)
				out.WriteByte(')')
			}
		}},
		decoratorFunc{"scope_indent", func(v *View, out *bytes.Buffer) {
			depth := 0
			if i := strings.IndexByte(v.scope, ':'); i > 0 {
				depth, _ = strconv.Atoi(v.scope[:i])
			}
			for i := 0; i < depth; i++ {
				out.WriteString("  ")
			}
		}},
		decoratorFunc{"scope_elapsed", func(v *View, out *bytes.Buffer) {
			// Elapsed since library init unless the scope hook
			// captured a narrower interval at emission.
			var ns int64
			if i := strings.IndexByte(v.scope, ':'); i >= 0 {
				ns, _ = strconv.ParseInt(v.scope[i+1:], 10, 64)
			} else {
				ns = v.tsNS - initInstantNS()
			}
			if ns < 0 {
				ns = 0
			}
			out.WriteString(time.Duration(ns).Round(time.Microsecond).String())
		}},
	}
	for _, d := range std {
		if err := RegisterDecorator(d); err != nil {
			panic(err)
		}
	}
}

// Format is a compiled output template. Literal runs alternate with
// decorator references.
type Format struct {
	src   string
	steps []formatStep
}

type formatStep struct {
	literal string
	dec     Decorator
}

// DefaultFormat is used by sinks that do not configure one.
const DefaultFormat = "{date_time} {severity} {logger}: {msg}"

// ParseFormat compiles a template. Placeholders use {name} syntax and
// resolve against the decorator registry; unknown names fail.
func ParseFormat(src string) (*Format, error) {
	f := &Format{src: src}
	rest := src
	for len(rest) > 0 {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			f.steps = append(f.steps, formatStep{literal: rest})
			break
		}
		if open > 0 {
			f.steps = append(f.steps, formatStep{literal: rest[:open]})
		}
		closeIdx := strings.IndexByte(rest[open:], '}')
		if closeIdx < 0 {
			return nil, errors.Errorf("format %q: unterminated placeholder", src)
		}
		name := rest[open+1 : open+closeIdx]
		dec := lookupDecorator(name)
		if dec == nil {
			return nil, errors.Errorf("format %q: unknown placeholder %q", src, name)
		}
		f.steps = append(f.steps, formatStep{dec: dec})
		rest = rest[open+closeIdx+1:]
	}
	return f, nil
}

// Render writes the formatted view into out, terminated by a newline.
func (f *Format) Render(v *View, out *bytes.Buffer) {
	for _, step := range f.steps {
		if step.dec != nil {
			step.dec.Emit(v, out)
			continue
		}
		out.WriteString(step.literal)
	}
	out.WriteByte('\n')
}

// String returns the template source.
func (f *Format) String() string { return f.src }
