package safety

import (
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/MrWong99/ghostvoice/internal/compliance"
)

// detector recognises one category of sensitive data.
type detector struct {
	category compliance.Category
	re       *regexp.Regexp
	// redact is true for structured data that is masked even when no
	// compliance framework covers the category.
	redact bool
}

// Detectors are listed in priority order; on overlapping matches at the same
// position the earlier detector wins.
var detectors = []detector{
	{
		category: compliance.CategoryCVV,
		re:       regexp.MustCompile(`(?i)\b(?:cvv2?|cvc|security code)\b[\s:#-]*\d{3,4}\b`),
		redact:   true,
	},
	{
		category: compliance.CategoryPaymentCard,
		re:       regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b|\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`),
		redact:   true,
	},
	{
		category: compliance.CategoryBankAccount,
		re:       regexp.MustCompile(`(?i)\b(?:account|acct|routing|iban)(?:\s+(?:number|no\.?|#))?[\s:#]*[A-Z]{0,2}\d{6,17}\b`),
		redact:   true,
	},
	{
		category: compliance.CategoryNationalID,
		re:       regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`),
		redact:   true,
	},
	{
		category: compliance.CategoryPhone,
		re:       regexp.MustCompile(`(?:\+?1[-.\s]?)?(?:\(\d{3}\)\s?|\b\d{3}[-.\s]?)\d{3}[-.\s]?\d{4}\b`),
		redact:   true,
	},
	{
		category: compliance.CategoryEmail,
		re:       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		redact:   true,
	},
	{
		category: compliance.CategoryDateOfBirth,
		re:       regexp.MustCompile(`\b(?:0?[1-9]|[12]\d|3[01])[/.-](?:0?[1-9]|[12]\d|3[01])[/.-](?:19|20)?\d{2}\b`),
		redact:   true,
	},
	{
		category: compliance.CategoryPostalAddress,
		re:       regexp.MustCompile(`(?i)\b\d{1,6}\s+(?:[a-z0-9.'-]+\s+){0,3}(?:street|st|avenue|ave|road|rd|drive|dr|lane|ln|boulevard|blvd|court|ct|place|pl)\b\.?`),
		redact:   true,
	},
	{
		category: compliance.CategoryHealth,
		re:       regexp.MustCompile(`(?i)\b(?:diagnos(?:is|ed|es)|prescription|prescribed|medical records?|health condition|medication)\b`),
	},
}

// match is a detector hit within a text.
type match struct {
	category   compliance.Category
	start, end int
	redact     bool
	priority   int
}

// detect runs every detector over text and returns non-overlapping matches
// ordered by position. Longer matches win over shorter ones at the same
// start; earlier detectors win ties.
func detect(text string) []match {
	var all []match
	for prio, d := range detectors {
		for _, loc := range d.re.FindAllStringIndex(text, -1) {
			all = append(all, match{category: d.category, start: loc[0], end: loc[1], redact: d.redact, priority: prio})
		}
	}
	slices.SortFunc(all, func(a, b match) int {
		if a.start != b.start {
			return a.start - b.start
		}
		if la, lb := a.end-a.start, b.end-b.start; la != lb {
			return lb - la
		}
		return a.priority - b.priority
	})

	out := all[:0]
	end := -1
	for _, m := range all {
		if m.start < end {
			continue
		}
		out = append(out, m)
		end = m.end
	}
	return out
}

// placeholder is the spoken replacement for a redacted span.
func placeholder(c compliance.Category) string {
	return "[" + strings.ToUpper(string(c)) + "]"
}

// redactEvidence hides all but the last four letters or digits of s so
// that incident records never carry the full value.
func redactEvidence(s string) string {
	keep := 4
	r := []rune(s)
	for i := len(r) - 1; i >= 0; i-- {
		if !unicode.IsLetter(r[i]) && !unicode.IsDigit(r[i]) {
			continue
		}
		if keep > 0 {
			keep--
			continue
		}
		r[i] = '*'
	}
	return string(r)
}
