package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/securestore/internal/app"
	"github.com/systmms/securestore/internal/credential"
)

func cred(t *testing.T, rt *Runtime, args ...string) (string, error) {
	t.Helper()
	return execute(t, NewCredCommand(rt), "", args...)
}

func mustWire(t *testing.T, rt *Runtime) *app.Wire {
	t.Helper()
	w, err := rt.Wire()
	require.NoError(t, err)
	return w
}

func TestCredWriteRead(t *testing.T) {
	t.Parallel()
	rt := newTestRuntime(t)

	_, err := cred(t, rt, "write", "api", "alice", "s3cret")
	require.NoError(t, err)

	out, err := cred(t, rt, "read", "api", "alice")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", out)

	out, err = cred(t, rt, "read", "api", "alice", "--no-cache")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", out)

	_, err = cred(t, rt, "read", "api", "bob")
	assert.ErrorContains(t, err, "No credential for api/bob")
}

func TestCredReadCreate(t *testing.T) {
	t.Parallel()
	rt := newTestRuntime(t)

	out, err := cred(t, rt, "read", "api", "new", "--create")
	require.NoError(t, err)
	assert.Empty(t, out)

	assert.True(t, mustWire(t, rt).Credentials.Read("api", "new").Success)
}

func TestCredAccessGroup(t *testing.T) {
	t.Parallel()
	rt := newTestRuntime(t)

	_, err := cred(t, rt, "write", "api", "alice", "team", "--access-group", "team")
	require.NoError(t, err)

	out, err := cred(t, rt, "read", "api", "alice", "--access-group", "team")
	require.NoError(t, err)
	assert.Equal(t, "team", out)

	_, err = cred(t, rt, "read", "api", "alice", "--access-group", "other")
	assert.Error(t, err)
}

func TestCredResetRemove(t *testing.T) {
	t.Parallel()
	rt := newTestRuntime(t)

	_, err := cred(t, rt, "reset", "api", "alice")
	assert.Error(t, err, "nothing to reset")

	_, err = cred(t, rt, "write", "api", "alice", "v")
	require.NoError(t, err)
	_, err = cred(t, rt, "reset", "api", "alice")
	require.NoError(t, err)
	out, err := cred(t, rt, "read", "api", "alice")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = cred(t, rt, "remove", "api", "alice")
	require.NoError(t, err)
	_, err = cred(t, rt, "remove", "api", "alice")
	require.NoError(t, err, "removing twice is fine")
	_, err = cred(t, rt, "read", "api", "alice")
	assert.Error(t, err)
}

func TestCredRemoveAllAndAccessibility(t *testing.T) {
	t.Parallel()
	rt := newTestRuntime(t)

	_, err := cred(t, rt, "write", "api", "a", "1")
	require.NoError(t, err)
	_, err = cred(t, rt, "write", "api", "b", "2")
	require.NoError(t, err)

	_, err = cred(t, rt, "accessibility", "whenUnlocked")
	require.NoError(t, err)
	w := mustWire(t, rt)
	assert.Equal(t, credential.AccessibleWhenUnlocked, w.Credentials.Accessibility())

	st, items := w.Primitive.Find(credential.Query{Attributes: credential.Attributes{}, All: true})
	require.Equal(t, credential.StatusSuccess, st)
	for _, it := range items {
		assert.Equal(t, "whenUnlocked", it.Attributes[credential.AttrAccessible])
	}

	_, err = cred(t, rt, "accessibility", "always")
	assert.Error(t, err)

	_, err = cred(t, rt, "remove-all")
	require.NoError(t, err)
	st, _ = w.Primitive.Find(credential.Query{Attributes: credential.Attributes{}, All: true})
	assert.Equal(t, credential.StatusItemNotFound, st)
}
