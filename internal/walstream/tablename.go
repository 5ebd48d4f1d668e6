package walstream

import "strings"

// CanonicalTableName normalizes a decoded relation name to its canonical
// plural form (§4.B), so that e.g. a "task" view and a "tasks" table are
// addressed identically downstream in the tracker and in session wire
// messages. Irregular plurals are looked up explicitly; everything else
// follows the common English suffix rules, which is sufficient for the
// identifier-style table names Postgres schemas use.
func CanonicalTableName(name string) string {
	lower := strings.ToLower(name)
	if plural, ok := irregularPlurals[lower]; ok {
		return plural
	}
	if strings.HasSuffix(lower, "s") {
		return lower
	}

	switch {
	case strings.HasSuffix(lower, "y") && !endsInVowelY(lower):
		return lower[:len(lower)-1] + "ies"
	case strings.HasSuffix(lower, "ch"), strings.HasSuffix(lower, "sh"),
		strings.HasSuffix(lower, "x"), strings.HasSuffix(lower, "z"):
		return lower + "es"
	default:
		return lower + "s"
	}
}

func endsInVowelY(s string) bool {
	if len(s) < 2 {
		return false
	}
	switch s[len(s)-2] {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	default:
		return false
	}
}

var irregularPlurals = map[string]string{
	"person":   "people",
	"child":    "children",
	"datum":    "data",
	"index":    "indices",
	"status":   "statuses",
	"analysis": "analyses",
}
