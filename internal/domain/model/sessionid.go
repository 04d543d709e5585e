package model

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const sessionDateLayout = "20060102"

// SessionDate truncates t to its calendar date in loc.
func SessionDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// SessionID derives the deterministic session identifier from its name and
// the calendar date of t in loc: slug(name) + "-" + YYYYMMDD.
func SessionID(name string, t time.Time, loc *time.Location) string {
	return Slug(name) + "-" + SessionDate(t, loc).Format(sessionDateLayout)
}

// Slug lowercases s, strips accents and collapses every run of
// non-alphanumerics into a single dash.
func Slug(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "session"
	}
	return out
}
