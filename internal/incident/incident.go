// Package incident builds and delivers incident records for the compliance
// collaborator.
//
// An incident is raised for every BLOCK or TERMINATE verdict, for every
// verdict in which a compliance framework rule matched, and for internal
// invariant violations that end a call. Records carry the matched rule IDs
// and redacted evidence only; raw unit text never leaves the process.
//
// Records flow through a [Dispatcher], which queues them without blocking
// the synthesis path and publishes them to a [Sink]: a Postgres table, a
// NATS subject, the log, or several of these at once via [Fanout].
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/ghostvoice/internal/compliance"
	"github.com/MrWong99/ghostvoice/internal/safety"
)

// SeverityInvariant marks incidents raised for internal invariant
// violations rather than safety verdicts.
const SeverityInvariant = "INVARIANT"

// Evidence is one redacted finding.
type Evidence struct {
	Category string `json:"category"`
	Redacted string `json:"redacted"`
}

// Record is one incident.
type Record struct {
	ID         string     `json:"id"`
	CallID     string     `json:"call_id"`
	TraceID    string     `json:"trace_id"`
	Turn       uint64     `json:"turn"`
	Unit       int        `json:"unit"`
	Severity   string     `json:"severity"`
	Rules      []string   `json:"rules"`
	Frameworks []string   `json:"frameworks,omitempty"`
	Evidence   []Evidence `json:"evidence,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Validate checks that the record can be stored.
func (r *Record) Validate() error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if r.CallID == "" {
		errs = append(errs, errors.New("call_id must not be empty"))
	}
	if r.Severity == "" {
		errs = append(errs, errors.New("severity must not be empty"))
	}
	if r.CreatedAt.IsZero() {
		errs = append(errs, errors.New("created_at must be set"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("incident: invalid record: %w", err)
	}
	return nil
}

// NewID returns an incident identifier of the form INC-<unix>-<suffix>.
func NewID(now time.Time) string {
	return fmt.Sprintf("INC-%d-%s", now.Unix(), strings.ToUpper(uuid.NewString()[:8]))
}

// Raises reports whether res warrants an incident.
func Raises(res safety.Result) bool {
	return res.Verdict == safety.Block || res.Verdict == safety.Terminate || res.ComplianceHit()
}

// Unit identifies where in a call a verdict was produced.
type Unit struct {
	CallID  string
	TraceID string
	Turn    uint64
	Index   int
}

// FromResult builds the record for a safety verdict.
func FromResult(u Unit, res safety.Result, frameworks []compliance.Framework, now time.Time) Record {
	rec := Record{
		ID:        NewID(now),
		CallID:    u.CallID,
		TraceID:   u.TraceID,
		Turn:      u.Turn,
		Unit:      u.Index,
		Severity:  res.Verdict.String(),
		Rules:     append([]string(nil), res.Rules...),
		CreatedAt: now.UTC(),
	}
	for _, f := range frameworks {
		rec.Frameworks = append(rec.Frameworks, string(f))
	}
	for _, f := range res.Findings {
		rec.Evidence = append(rec.Evidence, Evidence{Category: string(f.Category), Redacted: f.Evidence})
	}
	if res.Lockout {
		rec.Reason = "sustained risk lockout"
	}
	return rec
}

// Invariant builds the record for an internal invariant violation.
func Invariant(u Unit, rule string, cause error, now time.Time) Record {
	return Record{
		ID:        NewID(now),
		CallID:    u.CallID,
		TraceID:   u.TraceID,
		Turn:      u.Turn,
		Unit:      u.Index,
		Severity:  SeverityInvariant,
		Rules:     []string{rule},
		Reason:    cause.Error(),
		CreatedAt: now.UTC(),
	}
}

// Sink receives incident records. Implementations must be safe for
// concurrent use.
type Sink interface {
	Publish(ctx context.Context, rec Record) error
}

// LogSink writes records to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

// Publish implements [Sink].
func (s LogSink) Publish(ctx context.Context, rec Record) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.WarnContext(ctx, "incident raised",
		"incident_id", rec.ID,
		"call_id", rec.CallID,
		"trace_id", rec.TraceID,
		"turn", rec.Turn,
		"unit", rec.Unit,
		"severity", rec.Severity,
		"rules", rec.Rules,
		"reason", rec.Reason,
	)
	return nil
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

// Publish implements [Sink].
func (f Fanout) Publish(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Sink = LogSink{}
	_ Sink = Fanout(nil)
)
