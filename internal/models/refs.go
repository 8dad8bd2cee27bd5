package models

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Reserved reference namespaces.
const (
	RefBrief = "brief" // {{ brief.key }} reads TaskBrief inputs
	RefSelf  = "self"  // {{ self.field }} reads the step's own artifact (compensation params)
)

var refPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_-]*)\.([A-Za-z0-9_][A-Za-z0-9_.-]*)\s*\}\}`)

// Ref is a parsed {{ step.field }} reference.
type Ref struct {
	Step string   // Step id or reserved namespace
	Path []string // Field path inside the referenced value
}

// String returns the reference in template form.
func (r Ref) String() string {
	return "{{ " + r.Step + "." + strings.Join(r.Path, ".") + " }}"
}

// ExtractRefs returns every distinct reference found in v, walking nested
// maps and slices.
func ExtractRefs(v any) []Ref {
	var refs []Ref
	seen := make(map[string]bool)
	walkStrings(v, func(s string) {
		for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
			ref := Ref{Step: m[1], Path: strings.Split(m[2], ".")}
			key := ref.String()
			if !seen[key] {
				seen[key] = true
				refs = append(refs, ref)
			}
		}
	})
	return refs
}

// RefSteps returns the sorted, de-duplicated step ids referenced by v,
// excluding reserved namespaces.
func RefSteps(v any) []string {
	set := make(map[string]bool)
	for _, r := range ExtractRefs(v) {
		if r.Step != RefBrief && r.Step != RefSelf {
			set[r.Step] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ResolveRefs substitutes references in v using lookup. A string that is
// exactly one reference resolves to the raw referenced value; otherwise
// references are interpolated as text. v is not modified.
func ResolveRefs(v any, lookup func(Ref) (any, error)) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, lookup)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := ResolveRefs(item, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := ResolveRefs(item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveMap is ResolveRefs for the common map case.
func ResolveMap(m map[string]any, lookup func(Ref) (any, error)) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	resolved, err := ResolveRefs(m, lookup)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// LookupPath walks path through nested maps.
func LookupPath(value map[string]any, path []string) (any, bool) {
	var cur any = value
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func resolveString(s string, lookup func(Ref) (any, error)) (any, error) {
	trimmed := strings.TrimSpace(s)
	if loc := refPattern.FindStringSubmatchIndex(trimmed); loc != nil && loc[0] == 0 && loc[1] == len(trimmed) {
		m := refPattern.FindStringSubmatch(trimmed)
		return lookup(Ref{Step: m[1], Path: strings.Split(m[2], ".")})
	}
	var firstErr error
	out := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := refPattern.FindStringSubmatch(match)
		val, err := lookup(Ref{Step: m[1], Path: strings.Split(m[2], ".")})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return fmt.Sprint(val)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func walkStrings(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CloneValues returns a deep copy of a value map.
func CloneValues(m map[string]any) map[string]any {
	return cloneMap(m)
}
