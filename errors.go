package querygate

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyPrincipal = errors.New("principal id is required")
	ErrNilRequest     = errors.New("request is required")

	// ErrUnhashableParams marks query parameters that have no canonical
	// encoding. Such queries are authorized but never cached.
	ErrUnhashableParams = errors.New("query parameters cannot be canonicalized")
)

// HydrationStage names the hydration port call that failed.
type HydrationStage string

const (
	StageProfile       HydrationStage = "profile"
	StageRoles         HydrationStage = "roles"
	StagePermissions   HydrationStage = "role_permissions"
	StageDatasetAccess HydrationStage = "role_dataset_access"
)

// HydrationError means the identity store could not produce grants. It is never downgraded to a default snapshot.
type HydrationError struct {
	PrincipalID string
	Stage       HydrationStage
	Err         error
}

func (e *HydrationError) Error() string {
	return fmt.Sprintf("hydrate %s for principal %q: %v", e.Stage, e.PrincipalID, e.Err)
}

func (e *HydrationError) Unwrap() error { return e.Err }

// DenyReason classifies an AuthorizationError.
type DenyReason string

const (
	ReasonMissingPermission DenyReason = "missing_permission"
	ReasonDataset           DenyReason = "dataset_not_granted"
	ReasonTable             DenyReason = "table_not_granted"
	ReasonUnqualified       DenyReason = "unqualified_table"
	ReasonExpired           DenyReason = "snapshot_expired"
	ReasonStatement         DenyReason = "statement_rejected"
)

// AuthorizationError names the resource the principal may not use.
type AuthorizationError struct {
	Resource string
	Reason   DenyReason
}

func (e *AuthorizationError) Error() string {
	switch e.Reason {
	case ReasonMissingPermission:
		return fmt.Sprintf("access denied: missing permission %q", e.Resource)
	case ReasonUnqualified:
		return fmt.Sprintf("access denied: table %q has no dataset qualifier", e.Resource)
	case ReasonExpired:
		return fmt.Sprintf("access denied: credentials for %q expired", e.Resource)
	case ReasonStatement:
		return fmt.Sprintf("access denied: statement rejected: %s", e.Resource)
	default:
		return fmt.Sprintf("access denied: %s", e.Resource)
	}
}

// CacheError wraps a cache store failure. Callers log it and treat it as a miss.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string { return fmt.Sprintf("query cache %s: %v", e.Op, e.Err) }

func (e *CacheError) Unwrap() error { return e.Err }

// IsAuthorizationError reports whether err is, or wraps, an *AuthorizationError.
func IsAuthorizationError(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}
