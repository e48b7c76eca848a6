package incident

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/ghostvoice/internal/compliance"
	"github.com/MrWong99/ghostvoice/internal/safety"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestNewID_Format(t *testing.T) {
	t.Parallel()

	re := regexp.MustCompile(`^INC-\d+-[0-9A-F]{8}$`)
	seen := map[string]bool{}
	for range 50 {
		id := NewID(testNow)
		if !re.MatchString(id) {
			t.Fatalf("NewID = %q, does not match %s", id, re)
		}
		if !strings.HasPrefix(id, "INC-1772359200-") {
			t.Errorf("NewID = %q, want unix seconds of testNow", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestRaises(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		res  safety.Result
		want bool
	}{
		{"allow", safety.Result{Verdict: safety.Allow}, false},
		{"masked without framework", safety.Result{Verdict: safety.Masked, Findings: []safety.Finding{{Category: compliance.CategoryEmail}}}, false},
		{"masked under framework", safety.Result{Verdict: safety.Masked, Findings: []safety.Finding{{Category: compliance.CategoryPaymentCard, Compliance: true}}}, true},
		{"block", safety.Result{Verdict: safety.Block}, true},
		{"terminate", safety.Result{Verdict: safety.Terminate}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Raises(tt.res); got != tt.want {
				t.Errorf("Raises = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFromResult(t *testing.T) {
	t.Parallel()

	res := safety.Result{
		Verdict: safety.Masked,
		Text:    "Your card number is [PAYMENT_CARD],",
		Rules:   []string{"pci_dss.no_cc_storage"},
		Findings: []safety.Finding{{
			Category:   compliance.CategoryPaymentCard,
			Rules:      []string{"pci_dss.no_cc_storage"},
			Action:     compliance.ActionMask,
			Evidence:   "**** **** **** 1111",
			Compliance: true,
		}},
	}
	u := Unit{CallID: "call-1", TraceID: "trace-1", Turn: 3, Index: 0}
	rec := FromResult(u, res, []compliance.Framework{compliance.PCIDSS}, testNow)

	if rec.Severity != "MASKED" || rec.CallID != "call-1" || rec.Turn != 3 {
		t.Errorf("rec = %+v", rec)
	}
	if len(rec.Rules) != 1 || rec.Rules[0] != "pci_dss.no_cc_storage" {
		t.Errorf("Rules = %v", rec.Rules)
	}
	if len(rec.Frameworks) != 1 || rec.Frameworks[0] != "PCI_DSS" {
		t.Errorf("Frameworks = %v", rec.Frameworks)
	}
	if len(rec.Evidence) != 1 || rec.Evidence[0].Redacted != "**** **** **** 1111" {
		t.Errorf("Evidence = %v", rec.Evidence)
	}
	for _, ev := range rec.Evidence {
		if strings.Contains(ev.Redacted, "4111") {
			t.Error("evidence leaks the card prefix")
		}
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	// Mutating the result must not alter the record.
	res.Rules[0] = "changed"
	if rec.Rules[0] != "pci_dss.no_cc_storage" {
		t.Error("record shares the rules slice with the result")
	}
}

func TestInvariant(t *testing.T) {
	t.Parallel()

	rec := Invariant(Unit{CallID: "c", Turn: 1, Index: 2}, "orchestrator.ordering", errors.New("unit 2 before 1"), testNow)
	if rec.Severity != SeverityInvariant || rec.Reason != "unit 2 before 1" || rec.Unit != 2 {
		t.Errorf("rec = %+v", rec)
	}
}

func TestRecord_Validate(t *testing.T) {
	t.Parallel()

	err := (&Record{}).Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"id must not be empty", "call_id must not be empty", "severity must not be empty", "created_at must be set"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestFanout_JoinsErrors(t *testing.T) {
	t.Parallel()

	mem := NewMemory(0)
	errA := errors.New("sink a down")
	failing := sinkFunc(func(context.Context, Record) error { return errA })

	err := Fanout{failing, mem, LogSink{}}.Publish(context.Background(), Record{ID: "x", CallID: "c"})
	if !errors.Is(err, errA) {
		t.Errorf("err = %v, want errA", err)
	}
	if mem.Len() != 1 {
		t.Error("healthy sink should still receive the record")
	}
}

func TestMemory_BoundedAndFiltered(t *testing.T) {
	t.Parallel()

	mem := NewMemory(3)
	ctx := context.Background()
	for i, call := range []string{"a", "b", "a", "a", "b"} {
		_ = mem.Publish(ctx, Record{ID: string(rune('0' + i)), CallID: call})
	}
	if mem.Len() != 3 {
		t.Fatalf("Len = %d, want 3", mem.Len())
	}
	got := mem.List("a")
	if len(got) != 2 || got[0].ID != "2" || got[1].ID != "3" {
		t.Errorf("List(a) = %+v", got)
	}
	if all := mem.List(""); len(all) != 3 || all[0].ID != "2" {
		t.Errorf("List() = %+v", all)
	}
}

type sinkFunc func(context.Context, Record) error

func (f sinkFunc) Publish(ctx context.Context, rec Record) error { return f(ctx, rec) }
