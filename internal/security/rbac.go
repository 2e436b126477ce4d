package security

import (
	"net/http"
	"slices"
	"strings"
)

// Roles carried in the "role" claim.
const (
	// RoleOperator may call every endpoint.
	RoleOperator = "operator"
	// RoleAgent is a decision client: it may decide, observe and read.
	RoleAgent = "agent"
	// RoleViewer may only read.
	RoleViewer = "viewer"
)

// ValidRoles lists all valid roles.
var ValidRoles = []string{RoleOperator, RoleAgent, RoleViewer}

// IsValidRole reports whether role is one of ValidRoles.
func IsValidRole(role string) bool {
	return slices.Contains(ValidRoles, role)
}

// grant lets a role call method on path or anything below it.
type grant struct {
	method string
	prefix string
}

var readAPI = grant{http.MethodGet, "/api"}

// grants lists what each non-operator role may do.
var grants = map[string][]grant{
	RoleAgent: {
		{http.MethodPost, "/api/decide"},
		{http.MethodPost, "/api/observe"},
		{http.MethodPost, "/api/train"},
		readAPI,
	},
	RoleViewer: {readAPI},
}

// Allowed reports whether role may call method on path. Operators may call
// anything; other roles only what grants lists.
func Allowed(role, method, path string) bool {
	if role == RoleOperator {
		return true
	}
	for _, g := range grants[role] {
		if g.method == method && below(path, g.prefix) {
			return true
		}
	}
	return false
}

// below reports whether path equals prefix or lies under it segment-wise, so
// /api/decide does not cover /api/decider.
func below(path, prefix string) bool {
	path = strings.TrimRight(path, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/'
}
