// Package segment splits generated reply text into clause-sized units that can
// be synthesized progressively.
//
// Splitting is a pure function of (text, language, maximum unit length). The
// sequence returned by [Segmenter.Split] is lazy: units are computed as the
// consumer pulls them, so the first clause can be dispatched to synthesis
// before the rest of the utterance has been scanned.
//
// Every [Unit] records the byte offset of its text within the source string.
// Units are ordered, never overlap, and only whitespace lies between them, so
// the original text can always be rebuilt from the units plus the separators
// consumed at the split points.
package segment

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxUnitLength is the maximum unit length in runes used when none is
// configured.
const DefaultMaxUnitLength = 180

// Minimum clause length (runes) before a soft boundary (comma, conjunction)
// is honoured. Sentence terminators always split.
const (
	minCommaClause       = 8
	minConjunctionClause = 24
)

// ErrMalformed is wrapped by every [Error] yielded by [Segmenter.Split].
var ErrMalformed = errors.New("segment: malformed input")

// Error describes a slice of input text that cannot be synthesized.
type Error struct {
	Index  int
	Offset int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("segment: unit %d at byte %d: %s", e.Index, e.Offset, e.Reason)
}

func (e *Error) Unwrap() error { return ErrMalformed }

// Unit is one progressively synthesizable piece of an utterance.
type Unit struct {
	// Index is the zero-based position of the unit within its utterance.
	Index int

	// Offset is the byte offset of Text within the source string.
	Offset int

	// Text is the unit text with surrounding separator whitespace removed.
	Text string
}

// Segmenter splits text into units. The zero value is not usable; create one
// with [New].
type Segmenter struct {
	maxLen int
}

// New returns a Segmenter that force-splits units longer than maxUnitLength
// runes. Non-positive values select [DefaultMaxUnitLength].
func New(maxUnitLength int) *Segmenter {
	if maxUnitLength <= 0 {
		maxUnitLength = DefaultMaxUnitLength
	}
	return &Segmenter{maxLen: maxUnitLength}
}

// MaxUnitLength reports the configured maximum unit length in runes.
func (s *Segmenter) MaxUnitLength() int { return s.maxLen }

// Split returns the units of text in order. Slices that contain invalid
// UTF-8 or NUL bytes are yielded together with an [*Error]; consumers should
// skip those units and keep pulling.
//
// Whitespace-only text yields no units.
func (s *Segmenter) Split(text, language string) iter.Seq2[Unit, error] {
	conj := conjunctionsFor(language)
	return func(yield func(Unit, error) bool) {
		pos := skipSpace(text, 0)
		for idx := 0; pos < len(text); idx++ {
			end := s.cut(text, pos, conj)
			if end <= pos {
				end = len(text)
			}
			raw := strings.TrimRightFunc(text[pos:end], unicode.IsSpace)
			u := Unit{Index: idx, Offset: pos, Text: raw}

			var err error
			switch {
			case !utf8.ValidString(raw):
				err = &Error{Index: idx, Offset: pos, Reason: "invalid UTF-8"}
			case strings.IndexByte(raw, 0) >= 0:
				err = &Error{Index: idx, Offset: pos, Reason: "NUL byte"}
			}
			if !yield(u, err) {
				return
			}
			pos = skipSpace(text, end)
		}
	}
}

// Units collects all units of text, dropping malformed ones. It is a
// convenience for callers that do not need lazy evaluation.
func (s *Segmenter) Units(text, language string) []Unit {
	var out []Unit
	for u, err := range s.Split(text, language) {
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}

// cut returns the exclusive byte end of the unit starting at pos. pos must
// point at a non-space rune.
//
// A forced split never lands on whitespace inside a number such as
// "4111 1111 1111 1111" or "(555) 010-7777", so the number reaches the
// safety gate in one unit. When the window holds no other whitespace the
// unit grows by up to another maxLen runes to reach the end of the number.
func (s *Segmenter) cut(text string, pos int, conj map[string]struct{}) int {
	n := 0
	lastSpace, lastSafe := -1, -1
	var prev rune
	for i := pos; i < len(text); {
		r, w := utf8.DecodeRuneInString(text[i:])
		n++
		next := i + w

		switch {
		case isFullWidthTerminator(r):
			return extendClosers(text, next)

		case r == '.' || r == '!' || r == '?':
			if atBreak(text, next) && !(r == '.' && isAbbreviation(text[pos:i])) {
				return extendClosers(text, next)
			}

		case r == ';' || r == ':':
			if atBreak(text, next) && n >= minCommaClause {
				return extendClosers(text, next)
			}

		case r == ',' || r == '、' || r == '，':
			if (r != ',' || atBreak(text, next)) && n >= minCommaClause {
				return extendClosers(text, next)
			}

		case unicode.IsSpace(r):
			lastSpace = i
			if !joinsNumber(prev, text[skipSpace(text, next):]) {
				lastSafe = i
			}
			if n > minConjunctionClause && startsConjunction(text[next:], conj) {
				return i
			}
		}
		if !unicode.IsSpace(r) {
			prev = r
		}

		if n >= s.maxLen && next < len(text) {
			if lastSafe > pos {
				return lastSafe
			}
			if j := safeSpaceAfter(text, next, prev, s.maxLen); j >= 0 {
				return j
			}
			if lastSpace > pos {
				return lastSpace
			}
			if j := strings.IndexFunc(text[next:], unicode.IsSpace); j >= 0 {
				return next + j
			}
			return len(text)
		}
		i = next
	}
	return len(text)
}

// joinsNumber reports whether whitespace between prev and the start of rest
// sits inside a number.
func joinsNumber(prev rune, rest string) bool {
	r, _ := utf8.DecodeRuneInString(rest)
	return (unicode.IsDigit(prev) || prev == ')') && (unicode.IsDigit(r) || r == '(' || r == '+')
}

// safeSpaceAfter returns the first whitespace at or after i, within limit
// runes, that does not sit inside a number, or -1. prev is the last
// non-space rune before i.
func safeSpaceAfter(text string, i int, prev rune, limit int) int {
	for n := 0; i < len(text) && n < limit; n++ {
		r, w := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			if !joinsNumber(prev, text[skipSpace(text, i+w):]) {
				return i
			}
		} else {
			prev = r
		}
		i += w
	}
	return -1
}

// atBreak reports whether the byte position i is the end of text or sits on
// whitespace (after any closing quotes or brackets).
func atBreak(text string, i int) bool {
	i = extendClosers(text, i)
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return unicode.IsSpace(r)
}

// extendClosers advances i past closing quotes, brackets and repeated
// terminators ("?!", "...\"").
func extendClosers(text string, i int) int {
	for i < len(text) {
		r, w := utf8.DecodeRuneInString(text[i:])
		switch r {
		case '"', '\'', ')', ']', '}', '”', '’', '»', '」', '』', '.', '!', '?', '。', '！', '？':
			i += w
		default:
			return i
		}
	}
	return i
}

func isFullWidthTerminator(r rune) bool {
	switch r {
	case '。', '！', '？':
		return true
	}
	return false
}

func skipSpace(text string, i int) int {
	for i < len(text) {
		r, w := utf8.DecodeRuneInString(text[i:])
		if !unicode.IsSpace(r) {
			return i
		}
		i += w
	}
	return i
}

var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {},
	"st": {}, "vs": {}, "etc": {}, "e.g": {}, "i.e": {}, "no": {}, "approx": {},
	"sra": {}, "srta": {}, "mme": {}, "mlle": {}, "hr": {}, "fr": {},
}

// isAbbreviation reports whether the word immediately before a period is a
// known abbreviation.
func isAbbreviation(before string) bool {
	j := strings.LastIndexFunc(before, unicode.IsSpace)
	word := strings.ToLower(strings.TrimLeft(before[j+1:], "(\"'"))
	if word == "" {
		return false
	}
	if _, ok := abbreviations[word]; ok {
		return true
	}
	// Single letters ("J. Smith") are initials.
	return utf8.RuneCountInString(word) == 1 && unicode.IsLetter([]rune(word)[0])
}

func startsConjunction(rest string, conj map[string]struct{}) bool {
	end := strings.IndexFunc(rest, func(r rune) bool { return !unicode.IsLetter(r) })
	if end < 0 {
		end = len(rest)
	}
	if end == 0 || end == len(rest) {
		return false
	}
	_, ok := conj[strings.ToLower(rest[:end])]
	return ok
}
