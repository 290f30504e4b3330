// Package env composes the environment handed to node workers.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables in three tiers: the controller's own process
// environment, server-wide globals from configuration, and per-node values.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// WithBase replaces the base layer, mostly for tests.
func (e *Env) WithBase(base Var) *Env {
	e.env = base
	return e
}

// WithSet sets a global variable K=V and returns e for chaining.
func (e *Env) WithSet(k, v string) *Env {
	if e.Var == nil {
		e.Var = make(Var)
	}
	if k != "" {
		e.Var[k] = v
	}
	return e
}

// Merge composes the environment for one node: base, then globals, then
// perNode. Values get a single pass of ${VAR} expansion against the composed
// map; unknown references are left untouched. The result is sorted by key.
func (e *Env) Merge(perNode map[string]string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perNode))
	for _, layer := range []Var{e.env, e.Var, perNode} {
		for k, v := range layer {
			if k == "" || strings.ContainsRune(k, '=') {
				continue
			}
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

// Pairs parses "K=V" entries, dropping malformed ones.
func Pairs(kvs []string) Var { return parse(kvs) }

func parse(kvs []string) Var {
	out := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
