package filterexpr

import (
	"strings"
	"testing"
)

// fakeRecord implements Record for evaluation tests.
type fakeRecord struct {
	rank   int
	logger string
	comps  []string
}

func (f fakeRecord) SeverityRank() int  { return f.rank }
func (f fakeRecord) LoggerName() string { return f.logger }
func (f fakeRecord) ComponentText(i int) (string, bool) {
	if i < 0 || i >= len(f.comps) {
		return "", false
	}
	return f.comps[i], true
}

var sevRanks = map[string]int{
	"DEBUG":   16,
	"INFO":    24,
	"WARNING": 40,
	"ERROR":   48,
}

func parseSev(name string) (int, bool) {
	r, ok := sevRanks[strings.ToUpper(name)]
	return r, ok
}

func compile(t *testing.T, expr string, funcs map[string]UserFunc) Predicate {
	t.Helper()
	node, err := Parse(expr)
	if err != nil {
		t.Fatalf("parse %q: %v", expr, err)
	}
	p, err := Compile(node, funcs, parseSev)
	if err != nil {
		t.Fatalf("compile %q: %v", expr, err)
	}
	return p
}

func TestEvalComparisons(t *testing.T) {
	warn := fakeRecord{rank: 40, logger: "app.db", comps: []string{"query took ", "120"}}
	dbg := fakeRecord{rank: 16, logger: "app.http"}

	tests := []struct {
		expr string
		rec  fakeRecord
		want bool
	}{
		{"severity >= WARNING", warn, true},
		{"severity >= WARNING", dbg, false},
		{"level <= INFO", dbg, true},
		{"severity = ERROR", warn, false},
		{"severity /= ERROR", warn, true},
		{"logger = 'app.db'", warn, true},
		{"logger /= 'app.db'", dbg, true},
		{"severity >= 40", warn, true},
		{"severity < 40", warn, false},
	}
	for _, tt := range tests {
		if got := compile(t, tt.expr, nil)(tt.rec); got != tt.want {
			t.Errorf("%q on %+v = %v, want %v", tt.expr, tt.rec, got, tt.want)
		}
	}
}

func TestEvalBooleanOperators(t *testing.T) {
	rec := fakeRecord{rank: 40, logger: "app.db"}
	tests := []struct {
		expr string
		want bool
	}{
		{"severity >= WARNING and logger = 'app.db'", true},
		{"severity >= ERROR and logger = 'app.db'", false},
		{"severity >= ERROR or logger = 'app.db'", true},
		{"not severity >= ERROR", true},
		{"not (severity >= WARNING and logger = 'app.db')", false},
		{"severity >= ERROR or severity >= WARNING and logger = 'app.db'", true},
	}
	for _, tt := range tests {
		if got := compile(t, tt.expr, nil)(rec); got != tt.want {
			t.Errorf("%q = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvalComponents(t *testing.T) {
	rec := fakeRecord{rank: 24, comps: []string{"user=", "alice"}}
	tests := []struct {
		expr string
		want bool
	}{
		{"has_component(1)", true},
		{"has_component(5)", false},
		{"component(1) = 'alice'", true},
		{"component(1) /= 'alice'", false},
		{"component(3) = 'alice'", false},
	}
	for _, tt := range tests {
		if got := compile(t, tt.expr, nil)(rec); got != tt.want {
			t.Errorf("%q = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestEvalUserFunctions(t *testing.T) {
	funcs := map[string]UserFunc{
		"from_logger_prefix": func(args []string) (Predicate, error) {
			prefix := args[0]
			return func(r Record) bool {
				return strings.HasPrefix(r.LoggerName(), prefix)
			}, nil
		},
	}
	rec := fakeRecord{rank: 24, logger: "app.db.pool"}
	p := compile(t, "from_logger_prefix('app.db') and severity >= INFO", funcs)
	if !p(rec) {
		t.Error("predicate should accept app.db.pool at INFO")
	}
	if p(fakeRecord{rank: 24, logger: "web"}) {
		t.Error("predicate should reject logger web")
	}
}

func TestEmptyExpressionMatchesEverything(t *testing.T) {
	node, err := Parse("")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p, err := Compile(node, nil, parseSev)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !p(fakeRecord{}) {
		t.Error("empty filter should match")
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"severity >",
		"severity >= ",
		"(severity >= WARNING",
		"and severity >= WARNING",
		"severity ! WARNING",
		"'lonely literal'",
		"component(1",
		"severity / WARNING",
	}
	for _, expr := range bad {
		if _, err := Parse(expr); err == nil {
			t.Errorf("Parse(%q) should fail", expr)
		}
	}
}

func TestCompileErrors(t *testing.T) {
	bad := []string{
		"rank >= WARNING",            // unknown attribute
		"severity >= BOGUS",          // unknown severity
		"unknown_fn('x')",            // unregistered function
		"has_component('not-index')", // bad argument
	}
	for _, expr := range bad {
		node, err := Parse(expr)
		if err != nil {
			t.Fatalf("Parse(%q) unexpectedly failed: %v", expr, err)
		}
		if _, err := Compile(node, nil, parseSev); err == nil {
			t.Errorf("Compile(%q) should fail", expr)
		}
	}
}
