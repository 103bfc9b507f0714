package sqlscan

import (
	"regexp"
	"strings"
)

const (
	identPart = "(?:`[A-Za-z0-9_.\\-]+`|[A-Za-z0-9_\\-]+)"
	identPath = identPart + `(?:\s*\.\s*` + identPart + `)*`
)

var tableRefPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+(` + identPath + `)`)

// Scanner finds table references after FROM and JOIN keywords.
//
// It is a lexical scanner, not a parser. It does not understand comments,
// string literals, CTE names or aliases, so it can miss a real reference (a
// table reached through a view or a CTE) and can report a false one (a word
// following FROM inside a literal, or EXTRACT(x FROM col)). Callers that need
// the references to be complete pair it with a read-only validator and
// deny unqualified names.
type Scanner struct {
	// DefaultProject qualifies two-part dataset.table references.
	DefaultProject string
}

// ExtractReferences scans sql with the given default project.
func ExtractReferences(sql, defaultProject string) []Reference {
	return Scanner{DefaultProject: defaultProject}.Scan(sql)
}

// Scan returns references in first-seen order with exact duplicates removed.
func (s Scanner) Scan(sql string) []Reference {
	matches := tableRefPattern.FindAllStringSubmatch(sql, -1)
	if len(matches) == 0 {
		return nil
	}
	defaultProject := Normalize(s.DefaultProject)
	seen := make(map[Reference]struct{}, len(matches))
	out := make([]Reference, 0, len(matches))
	for _, m := range matches {
		ref, ok := interpret(splitPath(m[1]), defaultProject)
		if !ok {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

func splitPath(path string) []string {
	path = strings.ReplaceAll(path, "`", "")
	raw := strings.Split(path, ".")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = Normalize(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func interpret(parts []string, defaultProject string) (Reference, bool) {
	switch len(parts) {
	case 0:
		return Reference{}, false
	case 1:
		return Reference{Table: parts[0]}, true
	case 2:
		return Reference{Project: defaultProject, Dataset: parts[0], Table: parts[1]}, true
	case 3:
		return Reference{Project: parts[0], Dataset: parts[1], Table: parts[2]}, true
	default:
		return Reference{Project: parts[0], Dataset: parts[1], Table: strings.Join(parts[2:], ".")}, true
	}
}
