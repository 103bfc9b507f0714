package querygate

import "github.com/Mousten/mcp-bigquery-v1-sub000/sqlscan"

// Wildcard grants every dataset, or every table within a dataset.
const Wildcard = "*"

// TableReference is one table mention found in a query.
type TableReference = sqlscan.Reference

// Normalize returns the canonical, comparable form of a dataset or table name.
func Normalize(id string) string { return sqlscan.Normalize(id) }

// NewTableReference normalizes each part.
func NewTableReference(project, dataset, table string) TableReference {
	return sqlscan.NewReference(project, dataset, table)
}

// ExtractReferences finds the tables named after FROM and JOIN in sql.
// Two-part names are qualified with defaultProject.
func ExtractReferences(sql, defaultProject string) []TableReference {
	return sqlscan.ExtractReferences(sql, defaultProject)
}

// TableDependency is a fully-qualified table a cached result was computed from.
type TableDependency struct {
	Project string `json:"project"`
	Dataset string `json:"dataset"`
	Table   string `json:"table"`
}

func NewTableDependency(project, dataset, table string) TableDependency {
	return TableDependency{Project: Normalize(project), Dataset: Normalize(dataset), Table: Normalize(table)}
}

func (d TableDependency) String() string {
	return d.Project + "." + d.Dataset + "." + d.Table
}

// DependenciesFor turns references into cache dependencies. It reports false
// when a reference has no dataset, since such a result cannot be invalidated.
func DependenciesFor(refs []TableReference, defaultProject string) ([]TableDependency, bool) {
	deps := make([]TableDependency, 0, len(refs))
	seen := make(map[TableDependency]struct{}, len(refs))
	for _, r := range refs {
		if r.Dataset == "" && r.Table == "" {
			continue
		}
		if r.Dataset == "" || r.Table == "" {
			return nil, false
		}
		project := r.Project
		if project == "" {
			project = defaultProject
		}
		d := NewTableDependency(project, r.Dataset, r.Table)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		deps = append(deps, d)
	}
	return deps, true
}
