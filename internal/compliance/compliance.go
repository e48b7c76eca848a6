// Package compliance holds the closed set of regulatory frameworks a call can
// be subject to and the fixed rule table of each framework.
//
// A rule maps a detector [Category] to an [Action]. Frameworks never execute
// code of their own; the safety gate looks rules up with [Lookup] and, when
// several frameworks disagree about the same category, applies the most
// severe action.
package compliance

import (
	"fmt"
	"slices"
	"strings"
)

// Framework identifies a regulatory framework.
type Framework string

const (
	PCIDSS Framework = "PCI_DSS"
	HIPAA  Framework = "HIPAA"
	GDPR   Framework = "GDPR"
	SOX    Framework = "SOX"
	TCPA   Framework = "TCPA"
)

// All returns every supported framework in a stable order.
func All() []Framework {
	return []Framework{PCIDSS, HIPAA, GDPR, SOX, TCPA}
}

// IsValid reports whether f is one of the supported frameworks.
func (f Framework) IsValid() bool {
	return slices.Contains(All(), f)
}

// Parse resolves a framework name case-insensitively. Dashes and underscores
// are interchangeable ("pci-dss" == "PCI_DSS").
func Parse(name string) (Framework, error) {
	f := Framework(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_")))
	if !f.IsValid() {
		return "", fmt.Errorf("compliance: unknown framework %q", name)
	}
	return f, nil
}

// ParseList resolves every name in names, failing on the first unknown one.
// Duplicates are removed.
func ParseList(names []string) ([]Framework, error) {
	out := make([]Framework, 0, len(names))
	for _, n := range names {
		f, err := Parse(n)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out, nil
}

// Category is a class of content a detector can recognise.
type Category string

const (
	// Structured sensitive data, redacted by default.
	CategoryPaymentCard   Category = "payment_card"
	CategoryNationalID    Category = "national_id"
	CategoryPhone         Category = "phone"
	CategoryEmail         Category = "email"
	CategoryPostalAddress Category = "postal_address"
	CategoryCVV           Category = "cvv"
	CategoryDateOfBirth   Category = "date_of_birth"
	CategoryBankAccount   Category = "bank_account"

	// Contextual content, reported but not redacted by default.
	CategoryHealth Category = "health_information"

	// Content-safety heuristics.
	CategoryFraud         Category = "fraud_indicator"
	CategoryDistress      Category = "distress_indicator"
	CategoryBlockedPhrase Category = "blocked_phrase"

	// Session-level conditions evaluated from call metadata.
	CategoryNoConsent Category = "consent_missing"
	CategoryDoNotCall Category = "do_not_call"
)

// Action is what a rule demands when its category is detected. Actions are
// ordered by severity.
type Action int

const (
	ActionNone Action = iota
	ActionMask
	ActionBlock
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionMask:
		return "mask"
	case ActionBlock:
		return "block"
	case ActionTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// ParseAction parses the lower-case action names used in configuration.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "allow":
		return ActionNone, nil
	case "mask":
		return ActionMask, nil
	case "block":
		return ActionBlock, nil
	case "terminate":
		return ActionTerminate, nil
	}
	return ActionNone, fmt.Errorf("compliance: unknown action %q", s)
}

// Rule is a single entry of a framework's rule table.
type Rule struct {
	// ID is stable and appears in verdicts and incident records.
	ID        string
	Framework Framework
	Category  Category
	Action    Action
}

var tables = map[Framework][]Rule{
	PCIDSS: {
		{ID: "pci_dss.no_cc_storage", Category: CategoryPaymentCard, Action: ActionMask},
		{ID: "pci_dss.no_cvv_storage", Category: CategoryCVV, Action: ActionBlock},
		{ID: "pci_dss.account_data", Category: CategoryBankAccount, Action: ActionMask},
	},
	HIPAA: {
		{ID: "hipaa.phi_protection", Category: CategoryHealth, Action: ActionBlock},
		{ID: "hipaa.identifier", Category: CategoryNationalID, Action: ActionMask},
		{ID: "hipaa.birth_date", Category: CategoryDateOfBirth, Action: ActionMask},
	},
	GDPR: {
		{ID: "gdpr.personal_email", Category: CategoryEmail, Action: ActionMask},
		{ID: "gdpr.personal_phone", Category: CategoryPhone, Action: ActionMask},
		{ID: "gdpr.personal_address", Category: CategoryPostalAddress, Action: ActionMask},
		{ID: "gdpr.national_identifier", Category: CategoryNationalID, Action: ActionMask},
		{ID: "gdpr.special_category", Category: CategoryHealth, Action: ActionBlock},
	},
	SOX: {
		{ID: "sox.financial_account", Category: CategoryBankAccount, Action: ActionBlock},
		{ID: "sox.fraud_indicator", Category: CategoryFraud, Action: ActionTerminate},
	},
	TCPA: {
		{ID: "tcpa.consent_required", Category: CategoryNoConsent, Action: ActionBlock},
		{ID: "tcpa.do_not_call", Category: CategoryDoNotCall, Action: ActionTerminate},
	},
}

func init() {
	for f, rules := range tables {
		for i := range rules {
			rules[i].Framework = f
		}
	}
}

// Rules returns a copy of the rule table of f.
func Rules(f Framework) []Rule {
	return slices.Clone(tables[f])
}

// Lookup returns the rules of the given frameworks that cover category c.
func Lookup(frameworks []Framework, c Category) []Rule {
	var out []Rule
	for _, f := range frameworks {
		for _, r := range tables[f] {
			if r.Category == c {
				out = append(out, r)
			}
		}
	}
	return out
}

// Strictest returns the most severe action among rules together with the
// IDs of every rule that demanded it. Ties keep framework order.
func Strictest(rules []Rule) (Action, []string) {
	best := ActionNone
	var ids []string
	for _, r := range rules {
		switch {
		case r.Action > best:
			best = r.Action
			ids = []string{r.ID}
		case r.Action == best && best != ActionNone:
			ids = append(ids, r.ID)
		}
	}
	return best, ids
}
