package lexer

import (
	"errors"
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/clipperhouse/uax29/v2/graphemes"
	"github.com/clipperhouse/uax29/v2/words"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/valeriansaliou/sonic/store"
)

// ErrInvalidText is the only lexer failure; callers recover by rejecting
// the command.
var ErrInvalidText = errors.New("text is not valid UTF-8")

// Token is one normalized term ready for indexing.
type Token struct {
	Word string
	Hash store.TermHash
}

// maxTokenGraphemes bounds token length so downstream graph lookups stay
// bounded.
const maxTokenGraphemes = 40

var latinNormalizer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func stripDiacritics(word string) string {
	stripped, _, err := transform.String(latinNormalizer, word)
	if err != nil {
		return word
	}
	return stripped
}

func isLatin(word string) bool {
	for _, r := range word {
		if unicode.IsLetter(r) {
			return unicode.Is(unicode.Latin, r)
		}
	}
	return false
}

func hasAlphanumeric(word string) bool {
	for _, r := range word {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return true
		}
	}
	return false
}

func GraphemeCount(word string) int {
	count := 0
	g := graphemes.FromString(word)
	for g.Next() {
		count++
	}
	return count
}

// ResolveLocale applies the forced locale when given, otherwise runs
// detection. The returned locale is "" when stop-word removal should be
// skipped entirely.
func ResolveLocale(text, forced string) string {
	switch forced {
	case LocaleNone:
		return ""
	case "":
		return detectLocale(text)
	default:
		return forced
	}
}

// Tokens lexes the text into a lazy sequence of unique normalized tokens.
// The sequence is finite and not restartable; callers may stop early.
func Tokens(text, forcedLocale string) (iter.Seq[Token], error) {
	if !utf8.ValidString(text) {
		return nil, ErrInvalidText
	}

	locale := ResolveLocale(text, forcedLocale)

	return func(yield func(Token) bool) {
		seen := make(map[store.TermHash]struct{})
		segments := words.FromString(text)

		for segments.Next() {
			word := segments.Value()
			if !hasAlphanumeric(word) {
				continue
			}

			word = strings.ToLower(word)
			if isLatin(word) {
				word = stripDiacritics(word)
			}
			if word == "" || GraphemeCount(word) > maxTokenGraphemes {
				continue
			}
			if locale != "" && IsStopword(locale, word) {
				continue
			}

			hash := store.HashTerm(word)
			if _, dup := seen[hash]; dup {
				continue
			}
			seen[hash] = struct{}{}

			if !yield(Token{Word: word, Hash: hash}) {
				return
			}
		}
	}, nil
}
