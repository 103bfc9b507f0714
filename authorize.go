package querygate

import "fmt"

// UnqualifiedPolicy decides what happens to a table reference with no dataset.
// Such a reference cannot be checked against dataset grants.
type UnqualifiedPolicy int

const (
	// UnqualifiedDeny rejects bare table names unless every dataset is granted.
	UnqualifiedDeny UnqualifiedPolicy = iota
	// UnqualifiedAllow lets bare table names through unchecked.
	UnqualifiedAllow
)

func (p UnqualifiedPolicy) String() string {
	if p == UnqualifiedAllow {
		return "allow"
	}
	return "deny"
}

// ParseUnqualifiedPolicy maps "allow" to UnqualifiedAllow and anything else to UnqualifiedDeny.
func ParseUnqualifiedPolicy(s string) UnqualifiedPolicy {
	if Normalize(s) == "allow" {
		return UnqualifiedAllow
	}
	return UnqualifiedDeny
}

// Authorize checks refs against the snapshot with unqualified references denied.
func Authorize(s *PermissionSnapshot, refs []TableReference, requiredPermission string) error {
	return AuthorizeWithPolicy(s, refs, requiredPermission, UnqualifiedDeny)
}

// AuthorizeWithPolicy requires requiredPermission, then every reference in
// order. The first failure aborts the whole check.
func AuthorizeWithPolicy(s *PermissionSnapshot, refs []TableReference, requiredPermission string, policy UnqualifiedPolicy) error {
	if s == nil || !s.HasPermission(requiredPermission) {
		return &AuthorizationError{Resource: requiredPermission, Reason: ReasonMissingPermission}
	}
	for _, r := range refs {
		if denied := checkReference(s, r, policy); denied != nil {
			return denied
		}
	}
	return nil
}

func checkReference(s *PermissionSnapshot, r TableReference, policy UnqualifiedPolicy) *AuthorizationError {
	switch {
	case r.Dataset == "" && r.Table == "":
		return nil
	case r.Dataset == "":
		if policy == UnqualifiedAllow || s.AllDatasets() {
			return nil
		}
		return &AuthorizationError{Resource: r.Table, Reason: ReasonUnqualified}
	case r.Table == "":
		if s.DatasetGranted(r.Dataset) {
			return nil
		}
		return &AuthorizationError{Resource: r.Dataset, Reason: ReasonDataset}
	default:
		if s.TableGranted(r.Dataset, r.Table) {
			return nil
		}
		if s.DatasetGranted(r.Dataset) {
			return &AuthorizationError{Resource: r.Dataset + "." + r.Table, Reason: ReasonTable}
		}
		return &AuthorizationError{Resource: r.Dataset, Reason: ReasonDataset}
	}
}

// Decision is the traced outcome of Explain.
type Decision struct {
	Allowed  bool       `json:"allowed"`
	Resource string     `json:"resource,omitempty"`
	Reason   DenyReason `json:"reason,omitempty"`
	Trace    []string   `json:"trace"`
}

// Err returns the authorization error the decision represents, or nil.
func (d *Decision) Err() error {
	if d == nil || d.Allowed {
		return nil
	}
	return &AuthorizationError{Resource: d.Resource, Reason: d.Reason}
}

// Explain evaluates like AuthorizeWithPolicy but traces every reference,
// including those after the first failure.
func Explain(s *PermissionSnapshot, refs []TableReference, requiredPermission string, policy UnqualifiedPolicy) *Decision {
	d := &Decision{Allowed: true, Trace: make([]string, 0, len(refs)+1)}
	deny := func(e *AuthorizationError) {
		if d.Allowed {
			d.Allowed = false
			d.Resource = e.Resource
			d.Reason = e.Reason
		}
	}
	if s == nil || !s.HasPermission(requiredPermission) {
		e := &AuthorizationError{Resource: requiredPermission, Reason: ReasonMissingPermission}
		d.Trace = append(d.Trace, "DENY: "+e.Error())
		deny(e)
	} else {
		d.Trace = append(d.Trace, fmt.Sprintf("ALLOW: permission %q held", requiredPermission))
	}
	if s == nil {
		return d
	}
	for _, r := range refs {
		if r.Dataset == "" && r.Table == "" {
			d.Trace = append(d.Trace, "SKIP: empty reference")
			continue
		}
		if e := checkReference(s, r, policy); e != nil {
			d.Trace = append(d.Trace, fmt.Sprintf("DENY: %s (%s)", r.String(), e.Reason))
			deny(e)
			continue
		}
		switch {
		case r.Dataset == "":
			d.Trace = append(d.Trace, fmt.Sprintf("ALLOW: %s unqualified (policy %s)", r.Table, policy))
		case s.AllDatasets():
			d.Trace = append(d.Trace, fmt.Sprintf("ALLOW: %s via dataset wildcard", r.String()))
		default:
			if _, restricted := s.TableRestriction(r.Dataset); restricted {
				d.Trace = append(d.Trace, fmt.Sprintf("ALLOW: %s via table grant", r.String()))
			} else {
				d.Trace = append(d.Trace, fmt.Sprintf("ALLOW: %s via dataset grant", r.String()))
			}
		}
	}
	return d
}
