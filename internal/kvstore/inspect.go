package kvstore

import (
	"strings"

	"github.com/gobwas/glob"
)

// Match reports whether key matches pattern. A '*' matches any run of
// characters; everything else matches literally and the whole key must
// match.
func Match(pattern, key string) bool {
	g, err := compile(pattern)
	if err != nil {
		return false
	}
	return g.Match(key)
}

func compile(pattern string) (glob.Glob, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = glob.QuoteMeta(p)
	}
	return glob.Compile(strings.Join(parts, "*"))
}

// Lookup returns the entries of s whose keys match pattern. Patterns
// without '*' are exact reads. Wildcards need key enumeration and so
// return nothing on version 1 stores.
func Lookup(s *Store, pattern string) map[string][]byte {
	out := make(map[string][]byte)
	if !strings.Contains(pattern, "*") {
		if v, ok := s.Get(pattern); ok {
			out[pattern] = v
		}
		return out
	}

	keys, ok := s.AllKeys()
	if !ok {
		return out
	}
	g, err := compile(pattern)
	if err != nil {
		return out
	}
	for _, k := range keys {
		if !g.Match(k) {
			continue
		}
		if v, ok := s.Get(k); ok {
			out[k] = v
		}
	}
	return out
}
