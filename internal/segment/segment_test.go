package segment

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"

	"pgregory.net/rapid"
)

func texts(units []Unit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Text
	}
	return out
}

func TestSplit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		lang   string
		maxLen int
		want   []string
	}{
		{
			name: "sentences",
			text: "Hello there. How are you?",
			want: []string{"Hello there.", "How are you?"},
		},
		{
			name: "comma clause",
			text: "Your card number is 4111 1111 1111 1111, thank you.",
			want: []string{"Your card number is 4111 1111 1111 1111,", "thank you."},
		},
		{
			name: "decimal is not a boundary",
			text: "Pi is 3.14 exactly.",
			want: []string{"Pi is 3.14 exactly."},
		},
		{
			name: "abbreviation is not a boundary",
			text: "Dr. Smith will call you.",
			want: []string{"Dr. Smith will call you."},
		},
		{
			name: "empty",
			text: "",
			want: nil,
		},
		{
			name: "whitespace only",
			text: " \n\t ",
			want: nil,
		},
		{
			name: "conjunction in long clause",
			text: "I checked the account balance this morning and everything looks correct.",
			want: []string{"I checked the account balance this morning", "and everything looks correct."},
		},
		{
			name: "conjunction in short clause",
			text: "Salt and pepper.",
			want: []string{"Salt and pepper."},
		},
		{
			name: "spanish conjunction",
			text: "Revisé su cuenta esta mañana temprano pero todo parece correcto.",
			lang: "es-MX",
			want: []string{"Revisé su cuenta esta mañana temprano", "pero todo parece correcto."},
		},
		{
			name:   "force split at whitespace",
			text:   "aaaa bbbb cccc dddd",
			maxLen: 10,
			want:   []string{"aaaa bbbb", "cccc dddd"},
		},
		{
			name:   "force split without whitespace in window",
			text:   "abcdefghij klm",
			maxLen: 5,
			want:   []string{"abcdefghij", "klm"},
		},
		{
			name: "full width terminators",
			text: "你好。我很好。",
			lang: "zh",
			want: []string{"你好。", "我很好。"},
		},
		{
			name: "quoted terminator",
			text: `He said "stop." Then he left.`,
			want: []string{`He said "stop."`, "Then he left."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New(tt.maxLen)
			got := texts(s.Units(tt.text, tt.lang))
			if len(got) != len(tt.want) {
				t.Fatalf("got %d units %q, want %d %q", len(got), got, len(tt.want), tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("unit[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplit_Offsets(t *testing.T) {
	t.Parallel()

	text := "  Leading space. Trailing  "
	units := New(0).Units(text, "en")
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if units[0].Offset != 2 || units[0].Text != "Leading space." {
		t.Errorf("unit[0] = %+v", units[0])
	}
	if units[1].Offset != 17 || units[1].Text != "Trailing" {
		t.Errorf("unit[1] = %+v", units[1])
	}
	for i, u := range units {
		if u.Index != i {
			t.Errorf("unit %d has Index %d", i, u.Index)
		}
	}
}

func TestSplit_Malformed(t *testing.T) {
	t.Parallel()

	text := "Hello. \xff\xfe bad. Good."
	var (
		ok   []string
		errs []error
	)
	for u, err := range New(0).Split(text, "en") {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ok = append(ok, u.Text)
	}
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	if !errors.Is(errs[0], ErrMalformed) {
		t.Errorf("error %v does not wrap ErrMalformed", errs[0])
	}
	var segErr *Error
	if !errors.As(errs[0], &segErr) || segErr.Index != 1 {
		t.Errorf("error = %#v, want *Error with Index 1", errs[0])
	}
	if strings.Join(ok, "|") != "Hello.|Good." {
		t.Errorf("valid units = %q", ok)
	}
}

func TestSplit_Lazy(t *testing.T) {
	t.Parallel()

	n := 0
	for range New(0).Split("One. Two. Three. Four.", "en") {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("consumed %d units, want 2", n)
	}
}

func TestPrimaryLanguage(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"en-US": "en",
		"pt_BR": "pt",
		" DE ":  "de",
		"":      "",
	}
	for in, want := range tests {
		if got := PrimaryLanguage(in); got != want {
			t.Errorf("PrimaryLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDetectLanguage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want string
	}{
		{"Hello, thank you for calling. How can I help you today?", "en"},
		{"Hola, gracias por llamar. ¿En qué puedo ayudarle a usted?", "es"},
		{"Bonjour, merci de votre appel. Comment puis-je vous aider?", "fr"},
		{"Hallo, danke für Ihren Anruf. Wie kann ich helfen?", "de"},
		{"Ciao, grazie per la chiamata. Come posso aiutarti?", "it"},
		{"Olá, obrigado pela ligação. Como posso ajudar você?", "pt"},
		{"こんにちは、お電話ありがとうございます。", "ja"},
		{"您好，感谢您的来电。", "zh"},
		{"안녕하세요, 전화 주셔서 감사합니다.", "ko"},
		{"OK.", ""},
		{"4111 1111 1111 1111", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got, conf := DetectLanguage(tt.text)
		if got != tt.want {
			t.Errorf("DetectLanguage(%q) = %q (%.2f), want %q", tt.text, got, conf, tt.want)
		}
		if got != "" && conf < MinDetectConfidence {
			t.Errorf("DetectLanguage(%q) confidence %.2f below threshold", tt.text, conf)
		}
	}
}

const trailingPunct = `"')]}”’»」』.!?。！？,;:、，`

// TestSplit_RoundTrip checks that units cover the input exactly, with only
// whitespace dropped at split points, for arbitrary text.
func TestSplit_RoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringMatching(`[a-zA-Z0-9 ,.!?;:'"\n\t]{0,400}`).Draw(t, "text")
		maxLen := rapid.IntRange(4, 200).Draw(t, "maxLen")
		lang := rapid.SampledFrom([]string{"en", "es", "de", "fr", "xx"}).Draw(t, "lang")

		units := New(maxLen).Units(text, lang)

		prev := 0
		for i, u := range units {
			if u.Index != i {
				t.Fatalf("unit %d has index %d", i, u.Index)
			}
			if u.Text == "" {
				t.Fatalf("unit %d is empty", i)
			}
			if u.Offset < prev {
				t.Fatalf("unit %d offset %d overlaps previous end %d", i, u.Offset, prev)
			}
			if strings.TrimSpace(text[prev:u.Offset]) != "" {
				t.Fatalf("non-whitespace %q dropped before unit %d", text[prev:u.Offset], i)
			}
			if text[u.Offset:u.Offset+len(u.Text)] != u.Text {
				t.Fatalf("unit %d text %q not found at offset %d", i, u.Text, u.Offset)
			}
			if strings.TrimSpace(u.Text) != u.Text {
				t.Fatalf("unit %d %q has surrounding whitespace", i, u.Text)
			}
			core := strings.TrimRight(u.Text, trailingPunct)
			if n := utf8.RuneCountInString(core); n > maxLen && strings.ContainsFunc(core, unicode.IsSpace) {
				if n > 2*maxLen || !onlyNumericSpaces(core) {
					t.Fatalf("unit %d %q exceeds max length %d although it could be split", i, u.Text, maxLen)
				}
			}
			prev = u.Offset + len(u.Text)
		}
		if strings.TrimSpace(text[prev:]) != "" {
			t.Fatalf("trailing text %q dropped", text[prev:])
		}
	})
}

// onlyNumericSpaces reports whether every whitespace run in s sits inside
// a number.
func onlyNumericSpaces(s string) bool {
	var prev rune
	for i, r := range s {
		if unicode.IsSpace(r) {
			if !joinsNumber(prev, s[skipSpace(s, i):]) {
				return false
			}
			continue
		}
		prev = r
	}
	return true
}

func TestSplit_ForcedSplitKeepsNumbersWhole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		number string
	}{
		{"card across the boundary", strings.Repeat("word ", 38) + "4111 1111 1111 1111 thanks", "4111 1111 1111 1111"},
		{"card opens the unit", "4111 1111 1111 1111 " + strings.Repeat("word ", 40), "4111 1111 1111 1111"},
		{"phone across the boundary", strings.Repeat("call ", 35) + "(555) 010-7777 today", "(555) 010-7777"},
		{"grouped account", strings.Repeat("x", 170) + " 12 34 56 78 90 12 34", "12 34 56 78 90 12 34"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units := New(DefaultMaxUnitLength).Units(tt.text, "en")
			for _, u := range units {
				if strings.Contains(u.Text, tt.number) {
					return
				}
			}
			t.Errorf("%q split across units %q", tt.number, texts(units))
		})
	}
}

// TestSplit_NumbersNeverForceSplit embeds card, SSN and phone numbers at any
// position in long boundary-free text.
func TestSplit_NumbersNeverForceSplit(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		number := rapid.SampledFrom([]string{
			"4111 1111 1111 1111",
			"3782 822463 10005",
			"123-45-6789",
			"(555) 010-7777",
			"+1 555 010 7777",
		}).Draw(t, "number")
		words := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,9}`), 10, 80).Draw(t, "words")
		at := rapid.IntRange(0, len(words)).Draw(t, "at")
		maxLen := rapid.IntRange(20, 120).Draw(t, "maxLen")

		parts := append(append(slices.Clone(words[:at]), number), words[at:]...)
		text := strings.Join(parts, " ")

		for _, u := range New(maxLen).Units(text, "xx") {
			if strings.Contains(u.Text, number) {
				return
			}
		}
		t.Fatalf("%q split across units at maxLen %d", number, maxLen)
	})
}
