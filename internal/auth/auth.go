// Package auth maps bearer tokens to roles and decides which jobs a role
// may observe or mutate. The mapper itself is stateless; token sets are
// built once at startup and read-only afterwards.
package auth

import (
	"fmt"

	"github.com/garnizeh/spine/internal/job"
)

// Role is an authenticated caller class.
type Role string

const (
	// RoleHead is the single administrative role; it may create jobs and
	// override ownership on mutating operations.
	RoleHead Role = "head"
	// RoleLeftClaw and RoleRightClaw are the worker roles.
	RoleLeftClaw  Role = "left-claw"
	RoleRightClaw Role = "right-claw"
)

// Worker reports whether the role is one of the claw classes.
func (r Role) Worker() bool {
	return r == RoleLeftClaw || r == RoleRightClaw
}

// TokenSet resolves opaque bearer tokens to roles. Both the "single" and
// "CSV" configuration bindings feed each role's set, so rotation can run
// old and new tokens side by side.
type TokenSet struct {
	tokens map[string]Role
}

// NewTokenSet builds the resolver. Every role must have at least one
// token, and a token may not be shared between roles.
func NewTokenSet(head, leftClaw, rightClaw []string) (*TokenSet, error) {
	sets := []struct {
		role   Role
		tokens []string
	}{
		{RoleHead, head},
		{RoleLeftClaw, leftClaw},
		{RoleRightClaw, rightClaw},
	}
	ts := &TokenSet{tokens: make(map[string]Role)}
	for _, set := range sets {
		if len(set.tokens) == 0 {
			return nil, fmt.Errorf("no tokens configured for role %s", set.role)
		}
		for _, tok := range set.tokens {
			if tok == "" {
				continue
			}
			if prev, ok := ts.tokens[tok]; ok && prev != set.role {
				return nil, fmt.Errorf("token shared between roles %s and %s", prev, set.role)
			}
			ts.tokens[tok] = set.role
		}
	}
	return ts, nil
}

// Resolve returns the role for a token, or false for unknown tokens.
func (ts *TokenSet) Resolve(token string) (Role, bool) {
	r, ok := ts.tokens[token]
	return r, ok
}

// CanAccess reports whether the role may observe the job. Head sees
// everything; a claw sees jobs targeted at its class or at "any".
func CanAccess(r Role, j *job.Job) bool {
	switch r {
	case RoleHead:
		return true
	case RoleLeftClaw:
		return j.Target == job.TargetLeftClaw || j.Target == job.TargetAny
	case RoleRightClaw:
		return j.Target == job.TargetRightClaw || j.Target == job.TargetAny
	}
	return false
}

// IsOwnerOrHead reports whether the role is the current claimant of the
// job, with head as an administrative override.
func IsOwnerOrHead(r Role, j *job.Job) bool {
	if r == RoleHead {
		return true
	}
	return j.ClaimedBy != nil && *j.ClaimedBy == string(r)
}
