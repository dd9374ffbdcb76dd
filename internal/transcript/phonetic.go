// Package transcript corrects recognizer output towards a configured list of
// domain keywords, e.g. snapping "cooper netties" back to "kubernetes" in a
// technical interview answer.
//
// Matching proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word in the input and for each keyword. If any code from the
//     input overlaps with any code from a keyword, the keyword becomes a
//     phonetic candidate.
//
//  2. Jaro-Winkler ranking: among phonetic candidates, the keyword with the
//     highest Jaro-Winkler similarity (computed on the original strings,
//     case-insensitive) is selected, provided its score exceeds the
//     configurable phonetic threshold. When no phonetic candidate is found,
//     a secondary pass tests pure Jaro-Winkler similarity against all
//     keywords using a higher fuzzy threshold (default 0.85).
//
// Multi-word keywords (e.g., "binary search tree") are supported: the
// matcher computes phonetic codes for each word and considers the best
// pairwise score across all word pairs when ranking candidates.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched keyword to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher aligns spoken phrases with known keywords. All methods are safe
// for concurrent use; the Matcher is read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewMatcher returns a new [Matcher] configured with the supplied options.
// Default thresholds are 0.70 for phonetic matches and 0.85 for fuzzy
// fallback matches.
func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match attempts to find the keyword most phonetically similar to phrase.
//
// phrase may be a single word or a space-separated n-gram. When phrase
// contains multiple tokens, the matcher checks whether any token
// phonetically aligns with any token in a multi-word keyword, then ranks by
// Jaro-Winkler on the full strings.
//
// When matched is false, corrected equals phrase unchanged and confidence
// is 0.
func (m *Matcher) Match(phrase string, keywords []string) (corrected string, confidence float64, matched bool) {
	if len(keywords) == 0 || strings.TrimSpace(phrase) == "" {
		return phrase, 0, false
	}

	phraseLower := strings.ToLower(strings.TrimSpace(phrase))
	phraseTokens := strings.Fields(phraseLower)

	inputCodes := codesForTokens(phraseTokens)

	type candidate struct {
		keyword  string
		score    float64
		phonetic bool
	}

	var best candidate

	for _, keyword := range keywords {
		keywordLower := strings.ToLower(strings.TrimSpace(keyword))
		if keywordLower == "" {
			continue
		}
		keywordTokens := strings.Fields(keywordLower)

		keywordCodes := codesForTokens(keywordTokens)
		phoneticMatch := codesOverlap(inputCodes, keywordCodes)

		jwScore := bestJWScore(phraseTokens, keywordTokens, phraseLower, keywordLower)

		if phoneticMatch {
			if jwScore >= m.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{keyword: keyword, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= m.fuzzyThreshold && jwScore > best.score {
				best = candidate{keyword: keyword, score: jwScore, phonetic: false}
			}
		}
	}

	if best.keyword != "" {
		return best.keyword, best.score, true
	}
	return phrase, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the input
// and the keyword using three strategies: full-string comparison,
// space-stripped comparison (e.g., "cooper netties" vs "kubernetes"), and
// the best pairwise token score.
func bestJWScore(inputTokens, keywordTokens []string, inputFull, keywordFull string) float64 {
	score := matchr.JaroWinkler(inputFull, keywordFull, false)

	if len(inputTokens) > 1 || len(keywordTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(keywordTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, kt := range keywordTokens {
			if s := matchr.JaroWinkler(it, kt, false); s > score {
				score = s
			}
		}
	}

	return score
}
