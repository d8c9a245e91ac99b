package transfer

import (
	"fmt"
	"strings"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
)

// DanglingPolicy decides what happens to a user reference with no entry in the identity map.
type DanglingPolicy string

const (
	// DanglingKeep writes the source id unchanged.
	DanglingKeep DanglingPolicy = "keep"
	// DanglingNull clears the reference.
	DanglingNull DanglingPolicy = "null"
	// DanglingDrop skips the whole row.
	DanglingDrop DanglingPolicy = "drop"
)

// ParseDanglingPolicy accepts keep, null or drop. The empty string selects keep.
func ParseDanglingPolicy(s string) (DanglingPolicy, error) {
	switch p := DanglingPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return DanglingKeep, nil
	case DanglingKeep, DanglingNull, DanglingDrop:
		return p, nil
	}
	return "", fmt.Errorf("unknown dangling policy %q (want keep, null or drop)", s)
}

// IdentityMap maps user ids of the source installation to ids in the target.
// It lives for a single import run.
type IdentityMap struct {
	ids map[int64]int64
}

// NewIdentityMap returns an empty map.
func NewIdentityMap() *IdentityMap {
	return &IdentityMap{ids: make(map[int64]int64)}
}

// Set records that source user src is user dst in the target.
func (m *IdentityMap) Set(src, dst int64) { m.ids[src] = dst }

// Lookup returns the target id of source user old.
func (m *IdentityMap) Lookup(old int64) (int64, bool) {
	id, ok := m.ids[old]
	return id, ok
}

// Len returns the number of mapped users.
func (m *IdentityMap) Len() int { return len(m.ids) }

// danglingRef is one unresolved reference found by Rewrite.
type danglingRef struct {
	Field string
	Value any
}

// remapper rewrites the user-reference fields of rows.
type remapper struct {
	ids    *IdentityMap
	policy DanglingPolicy
}

// rewrite returns rec with every user reference of sec translated through the identity
// map. keep is false when the policy drops the row. Nil references are left alone.
func (r remapper) rewrite(sec schema.Section, rec schema.Record) (out schema.Record, keep bool, dangling []danglingRef) {
	out = rec.Clone()
	for _, field := range sec.UserRefs() {
		val, ok := out.Get(field)
		if !ok || val == nil {
			continue
		}
		if old, isInt := schema.AsInt(val); isInt {
			if id, mapped := r.ids.Lookup(old); mapped {
				out.Set(field, id)
				continue
			}
		}
		dangling = append(dangling, danglingRef{Field: field, Value: val})
		switch r.policy {
		case DanglingNull:
			out.Set(field, nil)
		case DanglingDrop:
			return out, false, dangling
		}
	}
	return out, true, dangling
}
