package segment

import (
	"strings"
	"unicode"
)

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// conjunctions lists clause-introducing words per primary language subtag.
// Unknown languages fall back to English.
var conjunctions = map[string]map[string]struct{}{
	"en": set("and", "but", "or", "because", "although", "though", "however", "so", "while", "unless", "whereas"),
	"es": set("y", "pero", "porque", "aunque", "sino", "mientras"),
	"fr": set("et", "mais", "parce", "donc", "car", "cependant", "pendant"),
	"de": set("und", "aber", "weil", "obwohl", "denn", "sondern", "während"),
	"it": set("e", "ma", "perché", "sebbene", "mentre", "quindi"),
	"pt": set("e", "mas", "porque", "embora", "enquanto", "porém"),
	"nl": set("en", "maar", "omdat", "hoewel", "terwijl"),
}

// PrimaryLanguage returns the lower-cased primary subtag of a BCP 47 tag
// ("en-US" -> "en").
func PrimaryLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return tag
}

func conjunctionsFor(language string) map[string]struct{} {
	if c, ok := conjunctions[PrimaryLanguage(language)]; ok {
		return c
	}
	return conjunctions["en"]
}

// markers are frequent short words per language. Detection scores the share
// of a language's markers present in the text.
var markers = map[string]map[string]struct{}{
	"en": set("hello", "hi", "yes", "the", "and", "to", "is", "you", "thank", "please"),
	"es": set("hola", "sí", "el", "los", "y", "que", "qué", "usted", "gracias", "por"),
	"fr": set("bonjour", "oui", "non", "le", "les", "et", "que", "vous", "merci", "est"),
	"de": set("hallo", "ja", "nein", "der", "die", "und", "dass", "ich", "danke", "ist"),
	"it": set("ciao", "sì", "il", "gli", "e", "di", "che", "grazie", "sono", "per"),
	"pt": set("olá", "sim", "não", "o", "os", "e", "que", "você", "obrigado", "obrigada"),
}

// detectOrder breaks score ties.
var detectOrder = []string{"en", "es", "fr", "de", "it", "pt"}

// MinDetectConfidence is the share of a language's markers that must occur
// before [DetectLanguage] names it.
const MinDetectConfidence = 0.2

// DetectLanguage guesses the primary language of text from its words. It
// returns "" with the best score when no language reaches
// [MinDetectConfidence]. Text in CJK scripts is recognised by script.
func DetectLanguage(text string) (string, float64) {
	var han, kana, hangul, letters int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r):
			kana++
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.Is(unicode.Han, r):
			han++
		case unicode.IsLetter(r):
			letters++
		}
	}
	switch cjk := han + kana + hangul; {
	case cjk > letters && kana > 0:
		return "ja", 1
	case cjk > letters && hangul > 0:
		return "ko", 1
	case cjk > letters:
		return "zh", 1
	}

	seen := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) }) {
		seen[w] = struct{}{}
	}
	best, bestScore := "", 0.0
	for _, lang := range detectOrder {
		hits := 0
		for w := range markers[lang] {
			if _, ok := seen[w]; ok {
				hits++
			}
		}
		if score := float64(hits) / float64(len(markers[lang])); score > bestScore {
			best, bestScore = lang, score
		}
	}
	if bestScore < MinDetectConfidence {
		return "", bestScore
	}
	return best, bestScore
}
