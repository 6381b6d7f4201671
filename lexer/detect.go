package lexer

import (
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
)

// Locale detection thresholds, in code points of the input text.
const (
	detectOverChars   = 30
	truncateOverChars = 200
)

// LocaleNone disables detection and stop-word removal altogether.
const LocaleNone = "none"

// detectLocale picks an ISO-639-3 locale for the text, or "" when nothing
// reliable could be established. Long-enough texts run the stop-word hit
// counter first; the slower n-gram classifier is the fallback.
func detectLocale(text string) string {
	runeCount := utf8.RuneCountInString(text)

	safe := text
	if runeCount > truncateOverChars {
		runes := []rune(text)
		safe = string(runes[:truncateOverChars])
	}

	if runeCount >= detectOverChars {
		words := strings.Fields(strings.ToLower(safe))
		if locale := guessLocaleFromStopwords(words); locale != "" {
			return locale
		}
	}

	info := whatlanggo.Detect(safe)
	if info.Lang == -1 {
		return ""
	}
	if !info.IsReliable() {
		// low classifier confidence; a single stop-word hit is a better
		// signal than an unreliable trigram score
		words := strings.Fields(strings.ToLower(safe))
		if locale := guessLocaleAnyHit(words); locale != "" {
			return locale
		}
		return ""
	}
	return whatlanggo.LangToString(info.Lang)
}

// ValidLocale reports whether the code is a recognized ISO-639-3 locale (or
// the special "none" value).
func ValidLocale(code string) bool {
	if code == LocaleNone {
		return true
	}
	return whatlanggo.CodeToLang(code) != -1
}
