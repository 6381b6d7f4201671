package lexer

// Stop-word registry, keyed by ISO-639-3 locale code. Locales without a
// table simply never elide anything.
var stopwords = map[string]map[string]struct{}{
	"eng": makeSet(stopwordsEng),
	"fra": makeSet(stopwordsFra),
	"spa": makeSet(stopwordsSpa),
	"deu": makeSet(stopwordsDeu),
	"ita": makeSet(stopwordsIta),
	"por": makeSet(stopwordsPor),
	"nld": makeSet(stopwordsNld),
	"swe": makeSet(stopwordsSwe),
	"nob": makeSet(stopwordsNob),
	"dan": makeSet(stopwordsDan),
	"fin": makeSet(stopwordsFin),
	"rus": makeSet(stopwordsRus),
	"ukr": makeSet(stopwordsUkr),
	"tur": makeSet(stopwordsTur),
	"est": makeSet(stopwordsEst),
	"lat": makeSet(stopwordsLat),
	"afr": makeSet(stopwordsAfr),
}

func makeSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, word := range words {
		set[word] = struct{}{}
	}
	return set
}

// IsStopword reports whether the word is a stop word for the locale. An
// unknown or empty locale never matches.
func IsStopword(locale, word string) bool {
	set, ok := stopwords[locale]
	if !ok {
		return false
	}
	_, hit := set[word]
	return hit
}

// minStopwordHits is the reliability floor for the hit counter: below this
// many matches a locale guess is considered noise.
const minStopwordHits = 2

// guessLocaleFromStopwords counts stop-word hits per supported locale over
// the candidate words and returns the best locale, or "" when no locale
// clears the reliability floor.
func guessLocaleFromStopwords(words []string) string {
	best, bestHits := "", 0
	for locale, set := range stopwords {
		hits := 0
		for _, word := range words {
			if _, ok := set[word]; ok {
				hits++
			}
		}
		if hits > bestHits || (hits == bestHits && hits > 0 && locale < best) {
			best, bestHits = locale, hits
		}
	}
	if bestHits < minStopwordHits {
		return ""
	}
	return best
}

// guessLocaleAnyHit is the permissive variant used when the n-gram
// classifier is unreliable: any hit wins.
func guessLocaleAnyHit(words []string) string {
	best, bestHits := "", 0
	for locale, set := range stopwords {
		hits := 0
		for _, word := range words {
			if _, ok := set[word]; ok {
				hits++
			}
		}
		if hits > bestHits || (hits == bestHits && hits > 0 && locale < best) {
			best, bestHits = locale, hits
		}
	}
	return best
}
