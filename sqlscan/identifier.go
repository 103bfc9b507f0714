package sqlscan

import "strings"

const identifierCutset = " \t\r\n`\"'"

// Normalize returns the canonical form of a dataset or table name:
// surrounding whitespace, quotes and backticks removed, lower-cased.
// It is idempotent and never fails; empty input yields "".
func Normalize(id string) string {
	return strings.ToLower(strings.Trim(id, identifierCutset))
}

// Reference is one table mention found in a query. Empty fields are unknown.
type Reference struct {
	Project string `json:"project,omitempty" yaml:"project,omitempty"`
	Dataset string `json:"dataset,omitempty" yaml:"dataset,omitempty"`
	Table   string `json:"table,omitempty" yaml:"table,omitempty"`
}

// NewReference normalizes each part.
func NewReference(project, dataset, table string) Reference {
	return Reference{Project: Normalize(project), Dataset: Normalize(dataset), Table: Normalize(table)}
}

// Qualified reports whether the reference names a dataset.
func (r Reference) Qualified() bool { return r.Dataset != "" }

// Resource is the name an authorization failure reports for this reference.
func (r Reference) Resource() string {
	switch {
	case r.Dataset != "" && r.Table != "":
		return r.Dataset + "." + r.Table
	case r.Dataset != "":
		return r.Dataset
	default:
		return r.Table
	}
}

func (r Reference) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.Project, r.Dataset, r.Table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}
