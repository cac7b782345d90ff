package report

import (
	"strings"

	"github.com/shono-io/pipex/vars"
)

// IsSecureKey reports whether everything below key must be masked.
func IsSecureKey(key string) bool {
	k := strings.ToLower(key)
	return k == "secure" || k == "params_secure" || strings.HasSuffix(k, "_secure") || k == "paramssecure"
}

// Mask returns a copy of v where every leaf below a secure key is replaced
// by MaskValue. Nothing else changes.
func Mask(v any) any {
	return mask(v, false)
}

// MaskAll returns a copy of v with every leaf replaced by MaskValue.
func MaskAll(v any) any {
	return mask(v, true)
}

func mask(v any, secure bool) any {
	switch t := v.(type) {
	case vars.Tree:
		out := make(vars.Tree, len(t))
		for k, val := range t {
			out[k] = mask(val, secure || IsSecureKey(k))
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = mask(val, secure)
		}
		return out
	default:
		if secure {
			return MaskValue
		}
		return v
	}
}
