// Package tenancy partitions the engine per tenant: id validation, safe
// path resolution, the persistent registry, the lazy per-tenant runtime and
// the request router. Nothing is shared across tenants beyond the registry,
// so instances run truly in parallel.
package tenancy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Tenant error codes. Stable strings: gateways map them to responses and
// operators grep logs for them.
const (
	CodeIDInvalid  = "TENANT_ID_INVALID"
	CodeIDReserved = "TENANT_ID_RESERVED"
	CodePathEscape = "TENANT_PATH_ESCAPE"
	CodeNotFound   = "TENANT_NOT_FOUND"
	CodeSuspended  = "TENANT_SUSPENDED"
	CodeDeleted    = "TENANT_DELETED"
	CodeExists     = "TENANT_EXISTS"
	CodeUnresolved = "TENANT_UNRESOLVED"
)

// Error is a tenant-scoped failure with a stable code.
type Error struct {
	Code string
	ID   string
	Msg  string
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: tenant %q: %s", e.Code, e.ID, e.Msg)
}

func newError(code, id, msg string) *Error {
	return &Error{Code: code, ID: id, Msg: msg}
}

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,48}[a-z0-9]$`)

// reservedIDs are names the platform claims for itself; no tenant may
// shadow them.
var reservedIDs = map[string]bool{
	"admin":   true,
	"system":  true,
	"config":  true,
	"backup":  true,
	"logs":    true,
	"tenants": true,
}

// NormalizeID lowercases and validates a tenant id. Anything that is not a
// 3-50 character lowercase slug, or that shadows a reserved name, is
// rejected; traversal characters never survive the pattern.
func NormalizeID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	if !tenantIDPattern.MatchString(id) {
		return "", newError(CodeIDInvalid, raw,
			"id must be 3-50 chars of [a-z0-9-], starting and ending alphanumeric")
	}
	if reservedIDs[id] {
		return "", newError(CodeIDReserved, id, "id is reserved")
	}
	return id, nil
}

// ResolveDataDir resolves the tenant's exclusive data directory under
// base/tenants and refuses any resolution that escapes it. The id is
// validated first, so traversal attempts fail before touching the
// filesystem.
func ResolveDataDir(base, rawID string) (string, error) {
	id, err := NormalizeID(rawID)
	if err != nil {
		return "", err
	}
	root, err := filepath.Abs(filepath.Join(base, "tenants"))
	if err != nil {
		return "", fmt.Errorf("canonicalize tenants root: %w", err)
	}
	dir, err := filepath.Abs(filepath.Join(root, id))
	if err != nil {
		return "", fmt.Errorf("canonicalize tenant dir: %w", err)
	}
	if dir != root && !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return "", newError(CodePathEscape, id, "resolved directory escapes the tenants root")
	}
	if dir == root {
		return "", newError(CodePathEscape, id, "resolved directory escapes the tenants root")
	}
	return dir, nil
}
