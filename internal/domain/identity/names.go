package identity

import (
	"strings"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/internal/domain/scoring"
)

// NameParts is one first/last reading of a display name. Alias carries the
// whole display name so an account alias can be checked against it.
type NameParts struct {
	First string
	Last  string
	Alias string
}

// SplitName returns every first/last reading of a display name, one per
// word boundary: "Juan Carlos Perez" reads as ("Juan", "Carlos Perez") and
// ("Juan Carlos", "Perez"). A single word has no reading.
func SplitName(display string) []NameParts {
	words := strings.Fields(display)
	if len(words) < 2 {
		return nil
	}
	full := strings.Join(words, " ")
	out := make([]NameParts, 0, len(words)-1)
	for i := 1; i < len(words); i++ {
		out = append(out, NameParts{
			First: strings.Join(words[:i], " "),
			Last:  strings.Join(words[i:], " "),
			Alias: full,
		})
	}
	return out
}

func same(a, b string) bool {
	return scoring.Normalize(a) == scoring.Normalize(b)
}

// Matches reports whether account is consistent with parts: first and last
// names must both agree, and an alias on file must equal the full name, the
// first name or the last name. No alias on file never blocks a match.
func Matches(account model.Account, parts NameParts) bool {
	if !same(account.FirstName, parts.First) || !same(account.LastName, parts.Last) {
		return false
	}
	alias := account.Alias
	if strings.TrimSpace(alias) == "" {
		return true
	}
	return same(alias, parts.Alias) || same(alias, parts.First) || same(alias, parts.Last)
}
