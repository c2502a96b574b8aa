// Package env composes the backend's environment from the supervisor's own
// environment and configured overrides.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env is an immutable set of overrides on top of an optional OS base.
type Env struct {
	vars   Var
	base   Var
	noBase bool
}

// New returns an Env that inherits the supervisor's environment.
func New() *Env {
	return &Env{vars: make(Var)}
}

// Isolated returns an Env that starts from an empty base; only configured
// variables reach the child.
func Isolated() *Env {
	return &Env{vars: make(Var), noBase: true}
}

// WithSet returns a copy with k=v applied. Empty keys are ignored.
func (e *Env) WithSet(k, v string) *Env {
	out := e.clone()
	if k != "" {
		out.vars[k] = v
	}
	return out
}

// WithPairs applies "K=V" entries; malformed entries are skipped.
func (e *Env) WithPairs(pairs []string) *Env {
	out := e.clone()
	for _, kv := range pairs {
		if k, v, ok := split(kv); ok {
			out.vars[k] = v
		}
	}
	return out
}

func (e *Env) clone() *Env {
	out := &Env{vars: make(Var, len(e.vars)), base: e.base, noBase: e.noBase}
	for k, v := range e.vars {
		out.vars[k] = v
	}
	return out
}

func fromOS() Var {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	return base
}

// Merge composes the final environment list applying order:
// base = OS env (unless isolated)
// then configured overrides
// then extra (slice of "K=V") overrides
// ${VAR} references are expanded against the composed map, one level deep.
// The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Var)
	if !e.noBase {
		base := e.base
		if base == nil {
			base = fromOS()
		}
		for k, v := range base {
			m[k] = v
		}
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+2+j]
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	return b.String()
}
