package auth

import (
	"context"
	"fmt"
	"strings"
)

// Action is something a caller may do with a source system's messages.
type Action string

const (
	ActionIngest Action = "ingest"
	ActionRead   Action = "read"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleStaff   = "staff"
	RoleViewer  = "viewer"
)

// rolePermissions grants actions on every source system.
var rolePermissions = map[string][]Action{
	RoleAdmin:   {ActionIngest, ActionRead},
	RoleManager: {ActionIngest, ActionRead},
	RoleStaff:   {ActionRead},
	RoleViewer:  {ActionRead},
}

// Decision is the resolved answer to "may this caller do action for source".
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Authorizer resolves decisions from the identity already placed on ctx.
type Authorizer interface {
	Decide(ctx context.Context, action Action, sourceSystem string) Decision
}

// ScopeAuthorizer grants by role first, then by scopes of the form
// "hl7/<source>.<action>", where either part may be "*".
type ScopeAuthorizer struct{}

func NewScopeAuthorizer() *ScopeAuthorizer { return &ScopeAuthorizer{} }

func (a *ScopeAuthorizer) Decide(ctx context.Context, action Action, sourceSystem string) Decision {
	for _, role := range RolesFromContext(ctx) {
		for _, granted := range rolePermissions[strings.ToLower(role)] {
			if granted == action {
				return Decision{Allowed: true, Reason: "role " + role}
			}
		}
	}

	required := fmt.Sprintf("hl7/%s.%s", sourceSystem, action)
	for _, scope := range ScopesFromContext(ctx) {
		if matchScope(scope, required) {
			return Decision{Allowed: true, Reason: "scope " + scope}
		}
	}
	return Decision{Reason: "required scope: " + required}
}

// matchScope checks if a granted scope covers the required one.
// "hl7/*.*" matches everything, "hl7/LAB.*" any action for LAB.
func matchScope(granted, required string) bool {
	if granted == required {
		return true
	}

	// Source systems may contain dots; the action follows the last one.
	gRes, gOp, ok := splitScope(granted)
	if !ok {
		return false
	}
	rRes, rOp, ok := splitScope(required)
	if !ok {
		return false
	}

	resMatch := gRes == rRes || gRes == "hl7/*" && strings.HasPrefix(rRes, "hl7/")
	opMatch := gOp == rOp || gOp == "*"
	return resMatch && opMatch
}

func splitScope(scope string) (resource, action string, ok bool) {
	i := strings.LastIndex(scope, ".")
	if i < 0 {
		return "", "", false
	}
	return scope[:i], scope[i+1:], true
}
