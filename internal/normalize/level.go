package normalize

import "strings"

// Canonical formation levels.
const (
	LevelUndergraduate  = "universitario"
	LevelMasters        = "maestria"
	LevelDoctorate      = "doctorado"
	LevelSpecialization = "especializacion universitaria"
)

var levelPatterns = []struct {
	level    string
	prefixes []string
}{
	// Specialization first: "especializacion universitaria" also contains "universit".
	{LevelSpecialization, []string{"especial"}},
	{LevelMasters, []string{"maestr", "magist", "master"}},
	{LevelDoctorate, []string{"doctor", "phd"}},
	{LevelUndergraduate, []string{"universit", "pregra"}},
}

// Level maps a free-text formation level onto one of the canonical levels.
// Unrecognized levels map to "" and never match anything.
func Level(raw string) string {
	folded := Text(raw)
	if folded == "" {
		return ""
	}
	for _, p := range levelPatterns {
		for _, prefix := range p.prefixes {
			if strings.Contains(folded, prefix) {
				return p.level
			}
		}
	}
	return ""
}

// LevelsMatch reports whether two raw levels share a recognized canonical level.
func LevelsMatch(a, b string) bool {
	la, lb := Level(a), Level(b)
	return la != "" && la == lb
}

// FieldsMatch reports whether two broad fields are equal after folding.
// Empty fields never match.
func FieldsMatch(a, b string) bool {
	fa, fb := Text(a), Text(b)
	return fa != "" && fa == fb
}
