// Package merge holds the normalization and merge rules applied by step
// functions before their output reaches durable state.
package merge

import (
	"sort"
	"strings"
)

// UnknownOwner is the attribution used when an owner cannot be resolved.
const UnknownOwner = "Unknown"

// keySeparators are the separators personas use between entity names.
var keySeparators = []string{"+", "&", ",", "/", " and "}

// RelationshipKey canonicalizes a composite key naming two or more
// entities. Names are trimmed, resolved case-insensitively to their
// spelling in known, deduplicated, and sorted case-insensitively;
// distinguished (if present) is placed last. Parts are joined by "+".
// A name absent from known keeps the first spelling seen in raw.
func RelationshipKey(raw, distinguished string, known ...string) string {
	return newSpellings(distinguished, known).key(raw, distinguished)
}

// spellings maps a case-folded entity name to its one spelling.
type spellings map[string]string

func newSpellings(distinguished string, known []string) spellings {
	n := make(spellings, len(known)+1)
	for _, k := range known {
		n.resolve(k)
	}
	if distinguished != "" {
		n[strings.ToLower(distinguished)] = distinguished
	}
	return n
}

// resolve returns the spelling of name, adopting name's own spelling
// when it is new.
func (n spellings) resolve(name string) string {
	name = strings.TrimSpace(name)
	lower := strings.ToLower(name)
	if s, ok := n[lower]; ok {
		return s
	}
	n[lower] = name
	return name
}

func (n spellings) key(raw, distinguished string) string {
	seen := make(map[string]bool)
	var others []string
	hasDistinguished := false
	for _, p := range splitKey(raw) {
		if distinguished != "" && strings.EqualFold(p, distinguished) {
			hasDistinguished = true
			continue
		}
		p = n.resolve(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		others = append(others, p)
	}

	sort.Slice(others, func(i, j int) bool {
		li, lj := strings.ToLower(others[i]), strings.ToLower(others[j])
		if li != lj {
			return li < lj
		}
		return others[i] < others[j]
	})
	if hasDistinguished {
		others = append(others, distinguished)
	}
	return strings.Join(others, "+")
}

func splitKey(raw string) []string {
	parts := []string{raw}
	for _, sep := range keySeparators {
		var next []string
		for _, p := range parts {
			next = append(next, strings.Split(p, sep)...)
		}
		parts = next
	}
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Fields merges update into base key by key. Keys absent from update keep
// their base value. Neither argument is modified.
func Fields(base, update map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(update))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

// Relationships canonicalizes every key of updates and merges the entries
// field-wise onto base. Names resolve to their spelling in known, then to
// the spelling used by base's keys, then to the first spelling among the
// updates. Updates that collapse onto the same canonical key are applied
// in sorted raw-key order. The returned changed map holds the merged entry
// for every canonical key touched.
func Relationships[F ~map[string]any](base, updates map[string]F, distinguished string, known []string) (merged, changed map[string]F) {
	names := newSpellings(distinguished, known)
	baseKeys := make([]string, 0, len(base))
	for k := range base {
		baseKeys = append(baseKeys, k)
	}
	sort.Strings(baseKeys)
	for _, k := range baseKeys {
		for _, p := range splitKey(k) {
			names.resolve(p)
		}
	}

	merged = make(map[string]F, len(base))
	for k, v := range base {
		merged[k] = v
	}
	changed = make(map[string]F, len(updates))

	rawKeys := make([]string, 0, len(updates))
	for k := range updates {
		rawKeys = append(rawKeys, k)
	}
	sort.Strings(rawKeys)

	for _, raw := range rawKeys {
		key := names.key(raw, distinguished)
		if key == "" {
			continue
		}
		merged[key] = F(Fields(merged[key], updates[raw]))
		changed[key] = merged[key]
	}
	return merged, changed
}

// Profiles merges per-entity profile updates field-wise onto base.
// Entities absent from base are added whole.
func Profiles[F ~map[string]any](base, updates map[string]F) map[string]F {
	merged := make(map[string]F, len(base)+len(updates))
	for k, v := range base {
		merged[k] = v
	}
	for name, upd := range updates {
		merged[name] = F(Fields(merged[name], upd))
	}
	return merged
}

// Owner reduces raw to the known entity it names, or UnknownOwner.
// Qualifiers in parentheses or after a comma are dropped, then the name is
// matched case-insensitively against known by full name and by first name.
func Owner(raw string, known []string) string {
	name := raw
	if i := strings.IndexAny(name, "(,"); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return UnknownOwner
	}

	for _, k := range known {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	first := firstWord(name)
	for _, k := range known {
		if strings.EqualFold(firstWord(k), first) {
			return k
		}
	}
	return UnknownOwner
}

func firstWord(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return ""
}

// AppendUnique appends each item of add whose identity is not already in
// existing or earlier in add.
func AppendUnique[T any](existing, add []T, identity func(T) string) []T {
	seen := make(map[string]bool, len(existing)+len(add))
	for _, e := range existing {
		seen[identity(e)] = true
	}
	out := append([]T(nil), existing...)
	for _, a := range add {
		id := identity(a)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, a)
	}
	return out
}

// ContentKey normalizes free text for duplicate detection.
func ContentKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
