package vars

import "strings"

// ParseParams reads "K=V" pairs separated by newlines or semicolons, the
// format of --pipeline_vars and --retry_vars. Keys keep their case; blank
// entries and entries without '=' are ignored.
func ParseParams(content string) map[string]any {
	out := map[string]any{}
	for _, line := range strings.FieldsFunc(content, func(r rune) bool { return r == '\n' || r == '\r' || r == ';' }) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

// SplitList splits a ';' or newline separated list, dropping blanks.
func SplitList(content string) []string {
	var out []string
	for _, item := range strings.FieldsFunc(content, func(r rune) bool { return r == '\n' || r == '\r' || r == ';' }) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
