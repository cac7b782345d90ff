package vars

import (
	"errors"
	"fmt"
	"regexp"
)

// MaxNesting bounds the number of substitution passes over a single string.
const MaxNesting = 100

// ErrNestingExceeded is returned when substitution does not reach a fixed
// point within MaxNesting passes, which is how cyclic definitions show up.
var ErrNestingExceeded = errors.New("variable substitution nesting exceeded")

var refPattern = regexp.MustCompile(`\$\{(?:env:)?([a-zA-Z_]\w*)\}|\$([a-zA-Z_]\w*)`)

// Resolve replaces ${name}, ${env:name} and $name references in text with
// the stringified value from known, repeating until nothing is replaced.
func Resolve(text string, known map[string]any) (string, error) {
	value := text
	for i := 0; i < MaxNesting; i++ {
		replaced := 0
		value = refPattern.ReplaceAllStringFunc(value, func(m string) string {
			replaced++
			sub := refPattern.FindStringSubmatch(m)
			name := sub[1]
			if name == "" {
				name = sub[2]
			}
			return Stringify(known[name])
		})
		if replaced == 0 {
			return value, nil
		}
	}
	return "", fmt.Errorf("%w: more than %d passes for expression %q", ErrNestingExceeded, MaxNesting, text)
}

// ResolveValue resolves every string inside v. Non-string scalars pass
// through unchanged; maps and lists are copied.
func ResolveValue(v any, known map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return Resolve(t, known)
	case Tree:
		out := make(Tree, len(t))
		for k, val := range t {
			r, err := ResolveValue(val, known)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			r, err := ResolveValue(val, known)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveTree is ResolveValue for maps.
func ResolveTree(t Tree, known map[string]any) (Tree, error) {
	if t == nil {
		return Tree{}, nil
	}
	r, err := ResolveValue(t, known)
	if err != nil {
		return nil, err
	}
	return r.(Tree), nil
}
