// Package authz models role and permission grants and evaluates
// wildcard permission expressions of the form "domain:action:instance".
package authz

import "strings"

const (
	partDivider    = ":"
	subpartDivider = ","
	wildcard       = "*"
)

// Info holds the roles and permission grants resolved for a principal.
type Info struct {
	Roles       []string
	Permissions []string
}

// Permits reports whether any granted permission implies required.
func (i Info) Permits(required string) bool {
	req := parsePermission(required)
	if len(req) == 0 {
		return false
	}
	for _, granted := range i.Permissions {
		if implies(parsePermission(granted), req) {
			return true
		}
	}
	return false
}

// HasRole reports whether the principal was granted the named role.
func (i Info) HasRole(role string) bool {
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so cached values stay immutable to callers.
func (i Info) Clone() Info {
	out := Info{}
	if i.Roles != nil {
		out.Roles = append([]string(nil), i.Roles...)
	}
	if i.Permissions != nil {
		out.Permissions = append([]string(nil), i.Permissions...)
	}
	return out
}

// Permits reports whether the granted wildcard expression implies the
// required one. A granted part containing "*" matches any required
// subparts; a granted expression shorter than the required one implies
// the trailing required parts, so "printer:print" covers
// "printer:print:lp7200".
func Permits(granted, required string) bool {
	req := parsePermission(required)
	if len(req) == 0 {
		return false
	}
	return implies(parsePermission(granted), req)
}

func implies(granted, required [][]string) bool {
	if len(granted) == 0 {
		return false
	}
	for idx, reqPart := range required {
		if idx >= len(granted) {
			return true
		}
		if !partCovers(granted[idx], reqPart) {
			return false
		}
	}
	for _, extra := range granted[len(required):] {
		if !containsSubpart(extra, wildcard) {
			return false
		}
	}
	return true
}

func partCovers(granted, required []string) bool {
	if containsSubpart(granted, wildcard) {
		return true
	}
	for _, sub := range required {
		if !containsSubpart(granted, sub) {
			return false
		}
	}
	return true
}

func containsSubpart(part []string, sub string) bool {
	for _, candidate := range part {
		if candidate == sub {
			return true
		}
	}
	return false
}

func parsePermission(expr string) [][]string {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	parts := strings.Split(expr, partDivider)
	parsed := make([][]string, 0, len(parts))
	for _, part := range parts {
		subparts := make([]string, 0, 1)
		for _, sub := range strings.Split(part, subpartDivider) {
			sub = strings.ToLower(strings.TrimSpace(sub))
			if sub != "" {
				subparts = append(subparts, sub)
			}
		}
		if len(subparts) == 0 {
			return nil
		}
		parsed = append(parsed, subparts)
	}
	return parsed
}
