// Package redact masks secret values in strings meant for logs.
package redact

import (
	"sort"
	"strings"
)

// Mask replaces every occurrence of a secret.
const Mask = "****"

// Redactor masks a fixed set of secret values. The zero value and nil are
// both valid and leave input untouched.
type Redactor struct {
	replacer *strings.Replacer
}

// New builds a Redactor from a key -> secret map. Empty values are ignored.
// Longer secrets are matched first so one secret containing another is
// masked whole; ties break lexically, which keeps the output deterministic.
func New(secrets map[string]string) *Redactor {
	values := make([]string, 0, len(secrets))
	seen := make(map[string]struct{}, len(secrets))
	for _, v := range secrets {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	if len(values) == 0 {
		return &Redactor{}
	}
	sort.Slice(values, func(i, j int) bool {
		if len(values[i]) != len(values[j]) {
			return len(values[i]) > len(values[j])
		}
		return values[i] < values[j]
	})

	pairs := make([]string, 0, len(values)*2)
	for _, v := range values {
		pairs = append(pairs, v, Mask)
	}
	return &Redactor{replacer: strings.NewReplacer(pairs...)}
}

// String returns s with every secret replaced by Mask.
func (r *Redactor) String(s string) string {
	if r == nil || r.replacer == nil {
		return s
	}
	return r.replacer.Replace(s)
}

// Strings returns a redacted copy of in; in itself is not modified.
func (r *Redactor) Strings(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = r.String(s)
	}
	return out
}
