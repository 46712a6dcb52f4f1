package loom

import "testing"

func TestSeverityOrdering(t *testing.T) {
	ordered := []Severity{Trace, Debug, Info, Notice, Warning, Error, Critical}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1] >= ordered[i] {
			t.Fatalf("%v should rank below %v", ordered[i-1], ordered[i])
		}
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
		ok   bool
	}{
		{"WARNING", Warning, true},
		{"warning", Warning, true},
		{" Info ", Info, true},
		{"CRITICAL", Critical, true},
		{"bogus", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if tt.ok && (err != nil || got != tt.want) {
			t.Errorf("ParseSeverity(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
		if !tt.ok && err == nil {
			t.Errorf("ParseSeverity(%q) should fail", tt.in)
		}
	}
}

func TestRegisterSeverity(t *testing.T) {
	if err := RegisterSeverity("AUDIT", Notice+4); err != nil {
		t.Fatalf("registering AUDIT: %v", err)
	}
	got, err := ParseSeverity("audit")
	if err != nil || got != Notice+4 {
		t.Fatalf("ParseSeverity(audit) = %v, %v", got, err)
	}
	if got.String() != "AUDIT" {
		t.Errorf("String() = %q, want AUDIT", got.String())
	}
	// Conflicting re-registration fails; identical one is idempotent.
	if err := RegisterSeverity("AUDIT", Notice+5); err == nil {
		t.Error("conflicting rank should fail")
	}
	if err := RegisterSeverity("AUDIT", Notice+4); err != nil {
		t.Errorf("idempotent registration failed: %v", err)
	}
}

func TestSeverityStringUnknown(t *testing.T) {
	s := Severity(3)
	if s.String() != "SEVERITY(3)" {
		t.Errorf("String() = %q", s.String())
	}
}
