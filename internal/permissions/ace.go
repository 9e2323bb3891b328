// Package permissions implements the ACE (access control entry) model: a
// subject is granted or denied a permission over a resource glob, with
// higher-priority entries winning and a deny overriding an allow at
// equal priority - an "explicit beats implicit, deny beats allow"
// posture generalized to an arbitrary resource namespace.
package permissions

import (
	"path"
	"sort"
)

// Permission is one action an ACE may grant or deny.
type Permission uint8

const (
	PermRead Permission = iota
	PermWrite
	PermAdmin
)

// Effect is whether an ACE grants or denies its permission.
type Effect uint8

const (
	EffectAllow Effect = iota
	EffectDeny
)

// ACE is one access control entry: subject may (or may not) exercise
// Permission over any resource matching ResourceGlob. Resource and
// Subject globs use path.Match syntax (`*` within one segment, `**`
// is not supported - keep hierarchies shallow or enumerate).
type ACE struct {
	Subject      string
	ResourceGlob string
	Permission   Permission
	Effect       Effect
	Priority     int // higher wins; ties broken by Effect (deny wins)
}

func (a ACE) matches(subject, resource string, perm Permission) bool {
	if a.Permission != perm {
		return false
	}
	if ok, _ := path.Match(a.Subject, subject); !ok {
		return false
	}
	ok, _ := path.Match(a.ResourceGlob, resource)
	return ok
}

// Checker evaluates a fixed ACE list against (subject, resource,
// permission) triples.
type Checker struct {
	aces []ACE
}

// NewChecker builds a Checker from aces, pre-sorting by priority
// (descending) and deny-before-allow at equal priority so Check can
// stop at the first match.
func NewChecker(aces []ACE) *Checker {
	sorted := make([]ACE, len(aces))
	copy(sorted, aces)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].Effect == EffectDeny && sorted[j].Effect != EffectDeny
	})
	return &Checker{aces: sorted}
}

// Check reports whether subject may exercise perm over resource: the
// first (highest-priority, deny-first-on-ties) matching ACE decides.
// With no matching ACE at all, access is denied by default.
func (c *Checker) Check(subject, resource string, perm Permission) bool {
	for _, a := range c.aces {
		if a.matches(subject, resource, perm) {
			return a.Effect == EffectAllow
		}
	}
	return false
}

// MatchingRules returns every ACE that would be considered for the
// given triple, in evaluation order - used by an admin "explain" view
// to show why an access decision came out the way it did.
func (c *Checker) MatchingRules(subject, resource string, perm Permission) []ACE {
	var out []ACE
	for _, a := range c.aces {
		if a.matches(subject, resource, perm) {
			out = append(out, a)
		}
	}
	return out
}
