package kvstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/securestore/internal/kvstore"
)

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{pattern: "token", key: "token", want: true},
		{pattern: "token", key: "tokens", want: false},
		{pattern: "tok*", key: "token", want: true},
		{pattern: "tok*", key: "tok", want: true},
		{pattern: "*en", key: "token", want: true},
		{pattern: "*en", key: "tokens", want: false},
		{pattern: "t*k*n", key: "token", want: true},
		{pattern: "*", key: "", want: true},
		{pattern: "*", key: "anything", want: true},
		{pattern: "a.c", key: "abc", want: false},
		{pattern: "a.c", key: "a.c", want: true},
		{pattern: "a?c", key: "abc", want: false},
		{pattern: "a?c", key: "a?c", want: true},
		{pattern: "[ab]*", key: "a1", want: false},
		{pattern: "[ab]*", key: "[ab]1", want: true},
		{pattern: "{x,y}", key: "x", want: false},
		{pattern: "(x)+*", key: "(x)+z", want: true},
		{pattern: `a\*`, key: `a\bc`, want: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.pattern+"_"+tt.key, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, kvstore.Match(tt.pattern, tt.key))
		})
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()
	stores := openBoth(t)

	for _, s := range stores {
		for _, k := range []string{"user.name", "user.email", "session"} {
			require.NoError(t, s.SaveString(k, "v:"+k))
		}
	}

	v2 := stores[2]
	assert.Equal(t, map[string][]byte{"session": []byte("v:session")}, kvstore.Lookup(v2, "session"))
	assert.Empty(t, kvstore.Lookup(v2, "nope"))

	got := kvstore.Lookup(v2, "user.*")
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("v:user.email"), got["user.email"])
	assert.Len(t, kvstore.Lookup(v2, "*"), 3)

	v1 := stores[1]
	assert.Equal(t, map[string][]byte{"session": []byte("v:session")}, kvstore.Lookup(v1, "session"))
	assert.Empty(t, kvstore.Lookup(v1, "user.*"), "wildcards need key enumeration")
}
