package compliance

import (
	"slices"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Framework
		wantErr bool
	}{
		{in: "PCI_DSS", want: PCIDSS},
		{in: "pci-dss", want: PCIDSS},
		{in: " hipaa ", want: HIPAA},
		{in: "tcpa", want: TCPA},
		{in: "iso27001", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseList_Dedupes(t *testing.T) {
	t.Parallel()

	got, err := ParseList([]string{"gdpr", "GDPR", "sox"})
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if !slices.Equal(got, []Framework{GDPR, SOX}) {
		t.Errorf("ParseList = %v", got)
	}
	if _, err := ParseList([]string{"gdpr", "nope"}); err == nil {
		t.Error("expected error for unknown framework")
	}
}

func TestRules_CarryFramework(t *testing.T) {
	t.Parallel()

	for _, f := range All() {
		rules := Rules(f)
		if len(rules) == 0 {
			t.Errorf("%s has no rules", f)
		}
		for _, r := range rules {
			if r.Framework != f {
				t.Errorf("rule %s has framework %q, want %q", r.ID, r.Framework, f)
			}
			if r.Action == ActionNone {
				t.Errorf("rule %s has no action", r.ID)
			}
		}
	}
}

func TestLookupStrictest_HighestSeverityWins(t *testing.T) {
	t.Parallel()

	// PCI-DSS masks bank account numbers, SOX blocks them.
	rules := Lookup([]Framework{PCIDSS, SOX}, CategoryBankAccount)
	if len(rules) != 2 {
		t.Fatalf("Lookup returned %d rules, want 2", len(rules))
	}
	action, ids := Strictest(rules)
	if action != ActionBlock {
		t.Errorf("action = %v, want block", action)
	}
	if !slices.Equal(ids, []string{"sox.financial_account"}) {
		t.Errorf("ids = %v", ids)
	}
}

func TestStrictest_TiesKeepAllIDs(t *testing.T) {
	t.Parallel()

	action, ids := Strictest(Lookup([]Framework{HIPAA, GDPR}, CategoryNationalID))
	if action != ActionMask {
		t.Errorf("action = %v, want mask", action)
	}
	if !slices.Equal(ids, []string{"hipaa.identifier", "gdpr.national_identifier"}) {
		t.Errorf("ids = %v", ids)
	}
}

func TestStrictest_Empty(t *testing.T) {
	t.Parallel()

	action, ids := Strictest(nil)
	if action != ActionNone || ids != nil {
		t.Errorf("Strictest(nil) = %v, %v", action, ids)
	}
}

func TestParseAction(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Action{"mask": ActionMask, "BLOCK": ActionBlock, "terminate": ActionTerminate, "allow": ActionNone} {
		got, err := ParseAction(in)
		if err != nil || got != want {
			t.Errorf("ParseAction(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseAction("explode"); err == nil {
		t.Error("expected error")
	}
}
