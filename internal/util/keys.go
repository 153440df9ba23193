package util

import (
	"fmt"
	"strings"
)

// LookupESKey reads a possibly nested field from an event document. The
// term is split on dots, but a single path segment may itself contain dots
// (common with metadata fields), so at each level the longest joined prefix
// present in the map wins. Returns nil when nothing resolves.
func LookupESKey(doc map[string]any, term string) any {
	d, key := findDictByKey(doc, term)
	if d == nil {
		return nil
	}
	return d[key]
}

// SetESKey replaces the value at the resolved location of term. Reports
// false when the term does not resolve to an existing entry.
func SetESKey(doc map[string]any, term string, value any) bool {
	d, key := findDictByKey(doc, term)
	if d == nil {
		return false
	}
	d[key] = value
	return true
}

// findDictByKey locates the innermost map containing term and the exact key
// under which it is stored there.
func findDictByKey(doc map[string]any, term string) (map[string]any, string) {
	if _, ok := doc[term]; ok {
		return doc, term
	}
	segments := strings.Split(term, ".")
	cur := doc
	for i := 0; i < len(segments); {
		// Longest joined prefix of the remaining segments first.
		matched := false
		for j := len(segments); j > i; j-- {
			key := strings.Join(segments[i:j], ".")
			v, ok := cur[key]
			if !ok {
				continue
			}
			if j == len(segments) {
				return cur, key
			}
			next, ok := v.(map[string]any)
			if !ok {
				return nil, ""
			}
			cur = next
			i = j
			matched = true
			break
		}
		if !matched {
			return nil, ""
		}
	}
	return nil, ""
}

// CompoundKeyValue joins the values of several fields with ", ", the
// rendering used for compound query and aggregation keys.
func CompoundKeyValue(doc map[string]any, keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := LookupESKey(doc, k)
		if v == nil {
			parts = append(parts, "")
			continue
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return strings.Join(parts, ", ")
}
