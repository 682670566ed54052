package model

import "strings"

// Capabilities guarding staff-only operations.
const (
	CapDefinitionsWrite = "definitions:write"
	CapWorkflowsManage  = "workflows:manage"
	CapAppealsReview    = "appeals:review"
	CapAppealsDecide    = "appeals:decide"
	CapAppealsReport    = "appeals:report"
)

// CapabilitySet holds what a caller may do. Entries ending in ":*" grant a
// whole namespace and "*" grants everything.
type CapabilitySet map[string]bool

func (cs CapabilitySet) Has(capability string) bool {
	if cs[capability] || cs["*"] {
		return true
	}
	for granted := range cs {
		ns, ok := strings.CutSuffix(granted, "*")
		if ok && strings.HasSuffix(ns, ":") && strings.HasPrefix(capability, ns) {
			return true
		}
	}
	return false
}

// RolePolicy is the configured role to capabilities table.
type RolePolicy map[string][]string

// Resolve merges the grants of every role the caller holds. Unknown roles
// grant nothing.
func (p RolePolicy) Resolve(roles []string) CapabilitySet {
	caps := CapabilitySet{}
	for _, role := range roles {
		for _, c := range p[role] {
			caps[c] = true
		}
	}
	return caps
}
