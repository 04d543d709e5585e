// Package scoring ranks how likely two driver display names denote the same person.
package scoring

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Scorer returns a similarity in [0,1] between a candidate display name and a
// previously seen name variant. 1 means identical after normalization.
type Scorer interface {
	Score(candidate, known string) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(candidate, known string) float64

// Score implements Scorer.
func (f ScorerFunc) Score(candidate, known string) float64 { return f(candidate, known) }

// Option applies a configuration option to the NameScorer.
type Option func(*NameScorer)

// WithTokenSort enables or disables the word-order-insensitive comparison.
func WithTokenSort(enabled bool) Option {
	return func(s *NameScorer) {
		s.tokenSort = enabled
	}
}

// NameScorer scores by normalized Levenshtein similarity. With token sort on
// (the default) it also compares the names with their words sorted and keeps
// the better of the two, so "Perez Juan" matches "Juan Perez".
type NameScorer struct {
	tokenSort bool
}

// NewNameScorer creates a NameScorer.
func NewNameScorer(opts ...Option) *NameScorer {
	s := &NameScorer{tokenSort: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score implements Scorer.
func (s *NameScorer) Score(candidate, known string) float64 {
	a, b := Normalize(candidate), Normalize(known)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	score := similarity(a, b)
	if s.tokenSort {
		if ts := similarity(sortTokens(a), sortTokens(b)); ts > score {
			score = ts
		}
	}
	return score
}

func similarity(a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 0
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

func sortTokens(s string) string {
	f := strings.Fields(s)
	sort.Strings(f)
	return strings.Join(f, " ")
}

// Normalize folds case and accents, drops punctuation and collapses spaces.
// It is the canonical form stored next to every name variant.
func Normalize(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		case !space && b.Len() > 0:
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
