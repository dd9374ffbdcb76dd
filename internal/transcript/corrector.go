package transcript

import "strings"

// trailingPunct is stripped from the end of an n-gram before matching and
// reattached to the corrected phrase.
const trailingPunct = ".,!?;:"

// Corrector rewrites finalized transcript segments so that phrases which
// sound like a configured keyword are replaced by the keyword's canonical
// spelling. It satisfies the capture adapter's Corrector contract.
//
// Corrector is read-only after construction and safe for concurrent use.
type Corrector struct {
	keywords  []string
	maxTokens int
	matcher   *Matcher
}

// NewCorrector builds a Corrector for the given keywords. opts configure the
// underlying [Matcher] thresholds. With no keywords the corrector passes
// text through unchanged.
func NewCorrector(keywords []string, opts ...Option) *Corrector {
	maxTokens := 1
	kept := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		kept = append(kept, k)
		if n := len(strings.Fields(k)); n > maxTokens {
			maxTokens = n
		}
	}
	return &Corrector{
		keywords:  kept,
		maxTokens: maxTokens,
		matcher:   NewMatcher(opts...),
	}
}

// Correct scans text for n-grams (widest first) that match a keyword and
// replaces them with the keyword. Already-exact keyword mentions are left
// untouched so the speaker's casing survives.
func (c *Corrector) Correct(text string) string {
	if len(c.keywords) == 0 || strings.TrimSpace(text) == "" {
		return text
	}

	words := strings.Fields(text)
	out := make([]string, 0, len(words))

	for i := 0; i < len(words); {
		consumed, replacement := c.matchAt(words, i)
		if consumed == 0 {
			out = append(out, words[i])
			i++
			continue
		}
		out = append(out, replacement)
		i += consumed
	}

	return strings.Join(out, " ")
}

// matchAt tries n-gram windows starting at index i, widest first. Returns
// the number of tokens consumed and their replacement, or (0, "") when
// nothing matched.
func (c *Corrector) matchAt(words []string, i int) (int, string) {
	maxN := min(c.maxTokens, len(words)-i)
	for n := maxN; n >= 1; n-- {
		gram := strings.Join(words[i:i+n], " ")
		stripped := strings.TrimRight(gram, trailingPunct)
		if stripped == "" {
			continue
		}
		suffix := gram[len(stripped):]

		corrected, _, ok := c.matcher.Match(stripped, c.keywords)
		if !ok {
			continue
		}
		if strings.EqualFold(stripped, corrected) {
			// Exact mention; nothing to rewrite.
			return 0, ""
		}
		return n, corrected + suffix
	}
	return 0, ""
}
