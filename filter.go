package loom

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/wayneeseguin/loom/internal/filterexpr"
)

// Predicate decides whether a composed view passes a per-sink filter.
type Predicate func(v *View) bool

// FilterFunc is the registration form for user filter functions
// callable from filter expressions as fn_name(args).
type FilterFunc func(args []string) (Predicate, error)

var filterFuncs struct {
	mu    sync.Mutex
	table atomic.Pointer[map[string]filterexpr.UserFunc]
}

// RegisterFilterFunc makes fn callable from filter expressions.
// Duplicate names fail.
func RegisterFilterFunc(name string, fn FilterFunc) error {
	if name == "" || fn == nil {
		return errors.New("filter function requires a name and body")
	}
	filterFuncs.mu.Lock()
	defer filterFuncs.mu.Unlock()
	old := filterFuncs.table.Load()
	if old != nil {
		if _, dup := (*old)[name]; dup {
			return errors.Errorf("filter function %q already registered", name)
		}
	}
	next := make(map[string]filterexpr.UserFunc, 1)
	if old != nil {
		for k, v := range *old {
			next[k] = v
		}
	}
	next[name] = func(args []string) (filterexpr.Predicate, error) {
		p, err := fn(args)
		if err != nil {
			return nil, err
		}
		return func(r filterexpr.Record) bool {
			fv, ok := r.(filterRecord)
			if !ok {
				return false
			}
			return p(fv.v)
		}, nil
	}
	filterFuncs.table.Store(&next)
	return nil
}

// filterRecord adapts a View to the expression evaluator's record
// surface.
type filterRecord struct{ v *View }

func (f filterRecord) SeverityRank() int  { return int(f.v.severity) }
func (f filterRecord) LoggerName() string { return f.v.logger }

func (f filterRecord) ComponentText(i int) (string, bool) {
	if i < 0 || i >= f.v.Len() {
		return "", false
	}
	return string(f.v.Component(i).appendText(nil)), true
}

// CompileFilter compiles a filter expression into a predicate. The
// empty expression accepts everything.
func CompileFilter(expr string) (Predicate, error) {
	node, err := filterexpr.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "filter %q", expr)
	}
	var funcs map[string]filterexpr.UserFunc
	if t := filterFuncs.table.Load(); t != nil {
		funcs = *t
	}
	compiled, err := filterexpr.Compile(node, funcs, func(name string) (int, bool) {
		s, perr := ParseSeverity(name)
		if perr != nil {
			return 0, false
		}
		return int(s), true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "filter %q", expr)
	}
	return func(v *View) bool {
		return compiled(filterRecord{v: v})
	}, nil
}
