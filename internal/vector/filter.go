package vector

import (
	"time"

	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

// TagPredicate filters a string field or string-set field. Zero value
// matches everything. For scalar fields Any means "one of" and All is
// equivalent to Eq over each listed value (so a multi-valued All never
// matches a scalar). For set fields Any requires a non-empty intersection
// and All requires every listed value to be present. MatchEmpty constrains
// a scalar field to the empty string (an empty set for set fields); the
// zero Eq alone cannot express that.
type TagPredicate struct {
	Eq         string
	Ne         string
	Any        []string
	All        []string
	MatchEmpty bool
}

// IsZero reports whether the predicate is unconstrained.
func (p TagPredicate) IsZero() bool {
	return p.Eq == "" && p.Ne == "" && len(p.Any) == 0 && len(p.All) == 0 && !p.MatchEmpty
}

func (p TagPredicate) matchScalar(v string) bool {
	if p.MatchEmpty && v != "" {
		return false
	}
	if p.Eq != "" && v != p.Eq {
		return false
	}
	if p.Ne != "" && v == p.Ne {
		return false
	}
	if len(p.Any) > 0 && !containsString(p.Any, v) {
		return false
	}
	for _, want := range p.All {
		if v != want {
			return false
		}
	}
	return true
}

func (p TagPredicate) matchSet(vs []string) bool {
	if p.MatchEmpty && len(vs) != 0 {
		return false
	}
	if p.Eq != "" && !containsString(vs, p.Eq) {
		return false
	}
	if p.Ne != "" && containsString(vs, p.Ne) {
		return false
	}
	if len(p.Any) > 0 {
		hit := false
		for _, want := range p.Any {
			if containsString(vs, want) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, want := range p.All {
		if !containsString(vs, want) {
			return false
		}
	}
	return true
}

// RangePredicate filters a timestamp field. Nil bounds are unconstrained.
type RangePredicate struct {
	Gt      *time.Time
	Lt      *time.Time
	Gte     *time.Time
	Lte     *time.Time
	Eq      *time.Time
	Ne      *time.Time
	Between *[2]time.Time
}

// IsZero reports whether the predicate is unconstrained.
func (p RangePredicate) IsZero() bool {
	return p.Gt == nil && p.Lt == nil && p.Gte == nil && p.Lte == nil &&
		p.Eq == nil && p.Ne == nil && p.Between == nil
}

func (p RangePredicate) match(t time.Time) bool {
	if p.Gt != nil && !t.After(*p.Gt) {
		return false
	}
	if p.Lt != nil && !t.Before(*p.Lt) {
		return false
	}
	if p.Gte != nil && t.Before(*p.Gte) {
		return false
	}
	if p.Lte != nil && t.After(*p.Lte) {
		return false
	}
	if p.Eq != nil && !t.Equal(*p.Eq) {
		return false
	}
	if p.Ne != nil && t.Equal(*p.Ne) {
		return false
	}
	if p.Between != nil && (t.Before(p.Between[0]) || t.After(p.Between[1])) {
		return false
	}
	return true
}

// Filter combines per-field predicates; all present predicates must match.
type Filter struct {
	Namespace    TagPredicate
	UserID       TagPredicate
	SessionID    TagPredicate
	MemoryType   TagPredicate
	Topics       TagPredicate
	Entities     TagPredicate
	CreatedAt    RangePredicate
	LastAccessed RangePredicate
}

// ScopeFilter matches exactly the (namespace, user_id) partition of a
// record. The empty string is a real partition, not a wildcard: a scope
// of ("", u1) matches only records whose namespace is empty.
func ScopeFilter(namespace, userID string) Filter {
	return Filter{
		Namespace: EqTag(namespace),
		UserID:    EqTag(userID),
	}
}

// EqTag builds an equality predicate that treats the empty string as a
// value to match, not as absence of a constraint.
func EqTag(v string) TagPredicate {
	if v == "" {
		return TagPredicate{MatchEmpty: true}
	}
	return TagPredicate{Eq: v}
}

// Match reports whether rec satisfies every predicate.
func (f Filter) Match(rec types.MemoryRecord) bool {
	if !f.Namespace.matchScalar(rec.Namespace) {
		return false
	}
	if !f.UserID.matchScalar(rec.UserID) {
		return false
	}
	if !f.SessionID.matchScalar(rec.SessionID) {
		return false
	}
	if !f.MemoryType.matchScalar(string(rec.MemoryType)) {
		return false
	}
	if !f.Topics.matchSet(rec.Topics) {
		return false
	}
	if !f.Entities.matchSet(rec.Entities) {
		return false
	}
	if !f.CreatedAt.match(rec.CreatedAt) {
		return false
	}
	if !f.LastAccessed.match(rec.LastAccessed) {
		return false
	}
	return true
}

func containsString(vs []string, want string) bool {
	for _, v := range vs {
		if v == want {
			return true
		}
	}
	return false
}
