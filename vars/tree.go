// Package vars holds the layered variable set and the recursive string
// substitution used to resolve stage definitions against it.
package vars

import (
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tree is the generic value shape shared by variables, stage params and
// module outputs: a map, a list or a scalar.
type Tree = map[string]any

// DeepCopy returns a copy of v that shares no maps or slices with it.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = DeepCopy(val)
		}
		return out
	case map[any]any:
		return DeepCopy(Normalize(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = DeepCopy(val)
		}
		return out
	default:
		return v
	}
}

// CopyTree is DeepCopy for the common map case. A nil tree copies to an
// empty one.
func CopyTree(t Tree) Tree {
	if t == nil {
		return Tree{}
	}
	return DeepCopy(t).(Tree)
}

// Normalize converts map[any]any values (as produced by some decoders) into
// map[string]any, recursively.
func Normalize(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[Stringify(k)] = Normalize(val)
		}
		return out
	case map[string]any:
		for k, val := range t {
			t[k] = Normalize(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = Normalize(val)
		}
		return t
	default:
		return v
	}
}

// Inflate expands composite keys like "a.b.c" into nested maps. Nested maps
// are inflated first; when a composite key lands on an existing map the two
// are merged. The input is not modified.
func Inflate(t Tree) Tree {
	out := Tree{}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	// plain keys first so composite keys merge into them deterministically
	sort.SliceStable(keys, func(i, j int) bool {
		di, dj := strings.Contains(keys[i], "."), strings.Contains(keys[j], ".")
		if di != dj {
			return !di
		}
		return keys[i] < keys[j]
	})

	for _, k := range keys {
		v := DeepCopy(t[k])
		if m, ok := v.(Tree); ok {
			v = Inflate(m)
		}

		parts := splitPath(k)
		if len(parts) <= 1 {
			if len(parts) == 1 {
				k = parts[0]
			}
			if existing, ok := out[k].(Tree); ok {
				if m, ok := v.(Tree); ok {
					out[k] = Merge(existing, m)
					continue
				}
			}
			out[k] = v
			continue
		}

		cur := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(Tree)
			if !ok {
				next = Tree{}
				cur[p] = next
			}
			cur = next
		}
		last := parts[len(parts)-1]
		if existing, ok := cur[last].(Tree); ok {
			if m, ok := v.(Tree); ok {
				cur[last] = Merge(existing, m)
				continue
			}
		}
		cur[last] = v
	}
	return out
}

// Merge deep-merges overlay onto base and returns the result. Overlapping
// leaves are replaced by the overlay, overlapping maps are merged
// recursively. Neither argument is modified.
func Merge(base, overlay Tree) Tree {
	out := CopyTree(base)
	for k, v := range overlay {
		if om, ok := v.(Tree); ok {
			if bm, ok := out[k].(Tree); ok {
				out[k] = Merge(bm, om)
				continue
			}
		}
		out[k] = DeepCopy(v)
	}
	return out
}

// MergeAll inflates every layer and merges them in order; later layers win.
func MergeAll(layers ...Tree) Tree {
	out := Tree{}
	for _, l := range layers {
		out = Merge(out, Inflate(l))
	}
	return out
}

// Lookup finds the value at a dotted path.
func Lookup(t Tree, path string) (any, bool) {
	var cur any = t
	for _, p := range splitPath(path) {
		m, ok := cur.(Tree)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Put sets the value at a dotted path, creating intermediate maps.
func Put(t Tree, path string, v any) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return
	}
	cur := t
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(Tree)
		if !ok {
			next = Tree{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// Walk calls fn for every leaf with its path from the root.
func Walk(v any, fn func(path []string, leaf any)) {
	walk(v, nil, fn)
}

func walk(v any, path []string, fn func([]string, any)) {
	switch t := v.(type) {
	case Tree:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(t[k], append(append([]string{}, path...), k), fn)
		}
	case []any:
		for i, val := range t {
			walk(val, append(append([]string{}, path...), strconv.Itoa(i)), fn)
		}
	default:
		fn(path, v)
	}
}

// Stringify renders a value the way substitution inserts it.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		var n yaml.Node
		if err := n.Encode(t); err != nil {
			return ""
		}
		flow(&n)
		b, err := yaml.Marshal(&n)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	}
}

// flow switches every mapping and sequence below n to flow style, so maps
// and lists render on a single line.
func flow(n *yaml.Node) {
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		n.Style |= yaml.FlowStyle
	}
	for _, c := range n.Content {
		flow(c)
	}
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, ".") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
