// Package safety screens each synthesis unit for sensitive or non-compliant
// content before it may reach the caller.
//
// [Gate.Evaluate] runs three passes over a unit and returns the most severe
// outcome:
//
//  1. Structured detectors (payment card, national identifier, phone, email,
//     postal address, CVV, date of birth, bank account) redact their matches
//     in place, which yields at least [Masked].
//  2. The rule tables of the call's compliance frameworks map every detected
//     category (and the call's consent state) to an action. When frameworks
//     disagree the most severe action wins.
//  3. Content heuristics (fraud and distress indicators, blocked phrases)
//     match exactly and by Jaro-Winkler similarity.
//
// Every non-ALLOW verdict adds a weight to the session's cumulative risk
// score. Once the score has reached the configured threshold, every later
// evaluation in that session is at least [Block].
//
// A Gate is read-only after construction and safe for concurrent use.
package safety

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/ghostvoice/internal/compliance"
	"github.com/MrWong99/ghostvoice/internal/session"
)

// Sentinel errors returned by [Result.Err].
var (
	ErrBlocked    = errors.New("safety: unit blocked")
	ErrTerminated = errors.New("safety: session terminated")
)

// Rule IDs emitted by the gate itself.
const (
	RuleSustainedRisk = "safety.sustained_risk_lockout"
	RuleOversizedUnit = "safety.oversized_unit"
)

// Verdict is the outcome of a safety evaluation, ordered by severity.
type Verdict int

const (
	Allow Verdict = iota
	Masked
	Block
	Terminate
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "ALLOW"
	case Masked:
		return "MASKED"
	case Block:
		return "BLOCK"
	case Terminate:
		return "TERMINATE"
	default:
		return "UNKNOWN"
	}
}

// Deliverable reports whether a unit with this verdict may be synthesized.
func (v Verdict) Deliverable() bool { return v == Allow || v == Masked }

func verdictOf(a compliance.Action) Verdict {
	switch a {
	case compliance.ActionMask:
		return Masked
	case compliance.ActionBlock:
		return Block
	case compliance.ActionTerminate:
		return Terminate
	default:
		return Allow
	}
}

// Finding is one detection inside a unit.
type Finding struct {
	Category compliance.Category
	// Rules are the compliance rule IDs that applied, or the gate's own rule
	// ID when no framework covered the category.
	Rules []string
	// Action is the strictest action demanded for this finding.
	Action compliance.Action
	// Evidence is the matched text with all but its last four letters or
	// digits replaced by '*'.
	Evidence string
	// Compliance is true when a framework rule covered the finding.
	Compliance bool
}

// Result is the outcome of [Gate.Evaluate].
type Result struct {
	Verdict Verdict
	// Text is the unit text with every redactable match replaced by a
	// placeholder. It equals the input when nothing was redacted.
	Text     string
	Rules    []string
	Findings []Finding
	// RiskDelta is the weight added to the session risk score.
	RiskDelta int
	// Lockout is true when the sustained-risk floor raised the verdict.
	Lockout bool
	Elapsed time.Duration
}

// Err returns nil for deliverable verdicts and an error wrapping
// [ErrBlocked] or [ErrTerminated] otherwise.
func (r Result) Err() error {
	switch r.Verdict {
	case Block:
		return fmt.Errorf("%w: rules %s", ErrBlocked, strings.Join(r.Rules, ","))
	case Terminate:
		return fmt.Errorf("%w: rules %s", ErrTerminated, strings.Join(r.Rules, ","))
	}
	return nil
}

// ComplianceHit reports whether any framework rule matched.
func (r Result) ComplianceHit() bool {
	return slices.ContainsFunc(r.Findings, func(f Finding) bool { return f.Compliance })
}

// Defaults used by [NewGate].
const (
	DefaultRiskThreshold  = 10
	DefaultBudget         = 3 * time.Millisecond
	DefaultMaxInputLength = 4096
)

// Option is a functional option for configuring a [Gate].
type Option func(*Gate)

// WithRiskThreshold sets the cumulative risk score at which the lockout
// engages. Default: 10.
func WithRiskThreshold(n int) Option {
	return func(g *Gate) { g.threshold = n }
}

// WithWeight sets the risk weight added for verdict v.
func WithWeight(v Verdict, weight int) Option {
	return func(g *Gate) { g.weights[v] = weight }
}

// WithHeuristicAction sets the action for a heuristic category
// ([compliance.CategoryFraud], [compliance.CategoryDistress] or
// [compliance.CategoryBlockedPhrase]). Default: block.
func WithHeuristicAction(c compliance.Category, a compliance.Action) Option {
	return func(g *Gate) { g.heuristicActions[c] = a }
}

// WithPhrases replaces the phrase list of a heuristic category.
func WithPhrases(c compliance.Category, phrases []string) Option {
	return func(g *Gate) { g.phrases[c] = slices.Clone(phrases) }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler similarity for fuzzy
// phrase matches. Default: 0.94.
func WithFuzzyThreshold(t float64) Option {
	return func(g *Gate) { g.fuzzy = t }
}

// WithBudget sets the evaluation time after which a warning is logged.
// Default: 3ms.
func WithBudget(d time.Duration) Option {
	return func(g *Gate) { g.budget = d }
}

// WithMaxInputLength sets the largest unit (in bytes) the gate evaluates;
// longer units are blocked. Default: 4096.
func WithMaxInputLength(n int) Option {
	return func(g *Gate) { g.maxInput = n }
}

// Gate evaluates units against detectors, compliance rules and heuristics.
type Gate struct {
	threshold        int
	weights          map[Verdict]int
	heuristicActions map[compliance.Category]compliance.Action
	phrases          map[compliance.Category][]string
	fuzzy            float64
	budget           time.Duration
	maxInput         int

	heur *heuristics
}

// NewGate returns a Gate configured with opts.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		threshold: DefaultRiskThreshold,
		weights: map[Verdict]int{
			Masked:    1,
			Block:     3,
			Terminate: 10,
		},
		heuristicActions: map[compliance.Category]compliance.Action{
			compliance.CategoryFraud:         compliance.ActionBlock,
			compliance.CategoryDistress:      compliance.ActionBlock,
			compliance.CategoryBlockedPhrase: compliance.ActionBlock,
		},
		phrases: map[compliance.Category][]string{
			compliance.CategoryFraud:         DefaultFraudIndicators,
			compliance.CategoryDistress:      DefaultDistressIndicators,
			compliance.CategoryBlockedPhrase: DefaultBlockedPhrases,
		},
		fuzzy:    defaultFuzzyThreshold,
		budget:   DefaultBudget,
		maxInput: DefaultMaxInputLength,
	}
	for _, o := range opts {
		o(g)
	}
	g.heur = newHeuristics(g.fuzzy, g.phrases)
	return g
}

// RiskThreshold returns the configured lockout threshold.
func (g *Gate) RiskThreshold() int { return g.threshold }

// Evaluate screens text for the given session and returns the verdict. It
// updates the session's risk score as a side effect.
func (g *Gate) Evaluate(text string, s *session.CallSession) Result {
	start := time.Now()
	res := g.evaluate(text, s)
	if delta := g.weights[res.Verdict]; delta > 0 {
		res.RiskDelta = delta
		s.AddRisk(delta)
	}
	res.Elapsed = time.Since(start)
	if g.budget > 0 && res.Elapsed > g.budget {
		slog.Warn("safety evaluation exceeded budget",
			"session_id", s.ID(),
			"elapsed", res.Elapsed,
			"budget", g.budget,
			"unit_bytes", len(text))
	}
	return res
}

func (g *Gate) evaluate(text string, s *session.CallSession) Result {
	res := Result{Verdict: Allow, Text: text}
	raise := func(v Verdict, rules ...string) {
		if v > res.Verdict {
			res.Verdict = v
		}
		for _, r := range rules {
			if !slices.Contains(res.Rules, r) {
				res.Rules = append(res.Rules, r)
			}
		}
	}

	if g.threshold > 0 && s.RiskScore() >= g.threshold {
		res.Lockout = true
		raise(Block, RuleSustainedRisk)
	}

	if g.maxInput > 0 && len(text) > g.maxInput {
		raise(Block, RuleOversizedUnit)
		res.Text = ""
		return res
	}

	frameworks := s.Frameworks()

	// Call-level conditions.
	if slices.Contains(frameworks, compliance.TCPA) {
		consent := s.Consent()
		if consent.DoNotCall {
			res.addRuleFinding(frameworks, compliance.CategoryDoNotCall, compliance.ActionNone, "", raise)
		}
		if !consent.Obtained {
			res.addRuleFinding(frameworks, compliance.CategoryNoConsent, compliance.ActionNone, "", raise)
		}
	}

	// Structured detectors and compliance rules.
	matches := detect(text)
	var b strings.Builder
	last := 0
	for _, m := range matches {
		base := compliance.ActionNone
		if m.redact {
			base = compliance.ActionMask
		}
		action := res.addRuleFinding(frameworks, m.category, base, text[m.start:m.end], raise)
		if action >= compliance.ActionMask {
			b.WriteString(text[last:m.start])
			b.WriteString(placeholder(m.category))
			last = m.end
		}
	}
	if last > 0 {
		b.WriteString(text[last:])
		res.Text = b.String()
	}

	// Content heuristics.
	for _, h := range g.heur.scan(text) {
		res.addRuleFinding(frameworks, h.category, g.heuristicActions[h.category], h.phrase, raise)
	}

	return res
}

// addRuleFinding resolves the action for category c from the frameworks and
// the base action, records the finding and raises the verdict. It returns
// the resolved action.
func (r *Result) addRuleFinding(frameworks []compliance.Framework, c compliance.Category, base compliance.Action, evidence string, raise func(Verdict, ...string)) compliance.Action {
	action, ids := compliance.Strictest(compliance.Lookup(frameworks, c))
	f := Finding{Category: c, Compliance: len(ids) > 0}
	switch {
	case action >= base && action != compliance.ActionNone:
		f.Rules = ids
	case base != compliance.ActionNone:
		action = base
		f.Rules = []string{ruleForCategory(c)}
	default:
		// Contextual finding without a rule: recorded, no effect.
		action = compliance.ActionNone
	}
	f.Action = action
	if evidence != "" {
		f.Evidence = redactEvidence(evidence)
	}
	r.Findings = append(r.Findings, f)
	if action != compliance.ActionNone {
		raise(verdictOf(action), f.Rules...)
	}
	return action
}

func ruleForCategory(c compliance.Category) string {
	switch c {
	case compliance.CategoryFraud, compliance.CategoryDistress, compliance.CategoryBlockedPhrase:
		return "safety." + string(c)
	default:
		return "pii." + string(c)
	}
}
