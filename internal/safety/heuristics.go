package safety

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/ghostvoice/internal/compliance"
)

const (
	defaultFuzzyThreshold = 0.94
	// Phrases shorter than this (joined, in bytes) only match exactly; short
	// phrases produce too many near misses under Jaro-Winkler.
	minFuzzyPhraseLen = 12
)

// DefaultFraudIndicators are phrases that suggest credential or payment
// solicitation.
var DefaultFraudIndicators = []string{
	"provide your password",
	"give me your password",
	"tell me your password",
	"read me your pin",
	"share your verification code",
	"urgent action required",
	"buy gift cards",
	"wire the money immediately",
	"your account will be suspended",
}

// DefaultDistressIndicators are phrases that indicate self-harm or crisis.
var DefaultDistressIndicators = []string{
	"want to hurt",
	"cant take it",
	"end it all",
	"feel hopeless",
	"want to die",
}

// DefaultBlockedPhrases are phrases an agent must never say.
var DefaultBlockedPhrases = []string{
	"guaranteed returns",
	"risk free investment",
	"claim your prize",
	"you have been selected",
}

// phrase is a normalised heuristic phrase.
type phrase struct {
	raw      string
	tokens   []string
	joined   string
	category compliance.Category
}

// hit is a heuristic match.
type hit struct {
	category compliance.Category
	phrase   string
	score    float64
}

// heuristics matches normalised text against phrase lists, exactly and by
// Jaro-Winkler similarity over equally sized word windows. It is read-only
// after construction.
type heuristics struct {
	phrases   []phrase
	threshold float64
}

func newHeuristics(threshold float64, lists map[compliance.Category][]string) *heuristics {
	if threshold <= 0 || threshold > 1 {
		threshold = defaultFuzzyThreshold
	}
	h := &heuristics{threshold: threshold}
	for cat, list := range lists {
		for _, raw := range list {
			toks := normalize(raw)
			if len(toks) == 0 {
				continue
			}
			h.phrases = append(h.phrases, phrase{
				raw:      raw,
				tokens:   toks,
				joined:   strings.Join(toks, " "),
				category: cat,
			})
		}
	}
	return h
}

// scan returns at most one hit per category, preferring exact matches and
// then the highest similarity.
func (h *heuristics) scan(text string) []hit {
	toks := normalize(text)
	if len(toks) == 0 {
		return nil
	}
	best := make(map[compliance.Category]hit)
	for _, p := range h.phrases {
		k := len(p.tokens)
		for i := 0; i+k <= len(toks); i++ {
			window := strings.Join(toks[i:i+k], " ")
			score := 0.0
			switch {
			case window == p.joined:
				score = 1
			case len(p.joined) >= minFuzzyPhraseLen:
				score = matchr.JaroWinkler(window, p.joined, false)
			}
			if score < h.threshold {
				continue
			}
			if cur, ok := best[p.category]; !ok || score > cur.score {
				best[p.category] = hit{category: p.category, phrase: p.raw, score: score}
			}
		}
	}
	out := make([]hit, 0, len(best))
	for _, cat := range []compliance.Category{compliance.CategoryDistress, compliance.CategoryFraud, compliance.CategoryBlockedPhrase} {
		if hh, ok := best[cat]; ok {
			out = append(out, hh)
		}
	}
	return out
}

// normalize lower-cases s, drops apostrophes and splits on everything that
// is not a letter or digit.
func normalize(s string) []string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\'' || r == '’':
			return -1
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		default:
			return ' '
		}
	}, s)
	return strings.Fields(s)
}
