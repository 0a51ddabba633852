package keygen_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/securestore/internal/credential"
	"github.com/systmms/securestore/internal/keygen"
	"github.com/systmms/securestore/internal/secure"
	"github.com/systmms/securestore/tests/fakes"
)

type env struct {
	fake *fakes.FakePrimitive
	mgr  *credential.Manager
	gen  *keygen.Generator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fake := fakes.NewFakePrimitive()
	mgr := credential.NewManager(credential.NewScoped(fake, "sdk"), credential.ManagerOptions{CacheEnabled: true})
	return &env{fake: fake, mgr: mgr, gen: keygen.New(mgr, fake, nil)}
}

func TestEncryptionKeyIsStable(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	a, err := e.gen.EncryptionKey("kv")
	require.NoError(t, err)
	b, err := e.gen.EncryptionKey("kv")
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := e.gen.EncryptionKey("rest")
	require.NoError(t, err)
	assert.False(t, a.Equal(other))
}

func TestEncryptionKeySurvivesRestart(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	first, err := e.gen.EncryptionKey("kv")
	require.NoError(t, err)

	// A new process sees only the backing store.
	mgr := credential.NewManager(credential.NewScoped(e.fake, "sdk"), credential.ManagerOptions{})
	second, err := keygen.New(mgr, e.fake, nil).EncryptionKey("kv")
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
}

func TestClearCacheReloadsSameKey(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	first, err := e.gen.EncryptionKey("kv")
	require.NoError(t, err)
	e.gen.ClearCache()
	second, err := e.gen.EncryptionKey("kv")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.True(t, first.Equal(second))
	_, err = first.Export()
	assert.NoError(t, err, "cleared handles stay usable")
}

func TestLabelKeyIsStoredWrapped(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	k, err := e.gen.EncryptionKey("kv")
	require.NoError(t, err)

	r := e.mgr.Read(keygen.LabelServicePrefix+"kv", keygen.KeyAccount)
	require.True(t, r.Success)
	assert.Len(t, r.Data, 12+secure.KeySize+16)

	raw, err := k.Export()
	require.NoError(t, err)
	assert.NotContains(t, string(r.Data), string(raw))
}

func TestEncryptionKeyRejectsEmptyLabel(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_, err := e.gen.EncryptionKey("")
	assert.ErrorIs(t, err, keygen.ErrKeyUnavailable)
}

func TestEncryptionKeyUnavailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		op   string
	}{
		{name: "read fails", op: "find"},
		{name: "store fails", op: "add"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			e.fake.FailWith(tt.op, credential.StatusInteractionNotAllowed)

			_, err := e.gen.EncryptionKey("kv")
			require.Error(t, err)
			assert.True(t, errors.Is(err, keygen.ErrKeyUnavailable))

			// Recovers once the platform does.
			e.fake.FailWith(tt.op, credential.StatusSuccess)
			_, err = e.gen.EncryptionKey("kv")
			assert.NoError(t, err)
		})
	}
}

func TestEncryptionKeyCorruptWrappedKey(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_, err := e.gen.EncryptionKey("kv")
	require.NoError(t, err)
	require.True(t, e.mgr.Write(keygen.LabelServicePrefix+"kv", keygen.KeyAccount, []byte("garbage")).Success)

	e.gen.ClearCache()
	_, err = e.gen.EncryptionKey("kv")
	assert.ErrorIs(t, err, keygen.ErrKeyUnavailable)
}

func TestEncryptionKeyConcurrentFirstUse(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	const n = 16
	keys := make([]*secure.Key, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := e.gen.EncryptionKey("kv")
			assert.NoError(t, err)
			keys[i] = k
		}(i)
	}
	wg.Wait()

	for _, k := range keys[1:] {
		assert.True(t, keys[0].Equal(k))
	}
	assert.Equal(t, 2, e.fake.Len(), "one key-store key and one label key")
}

// slowStore delays reads like a keyring round-trip would.
type slowStore struct {
	keygen.CredentialStore
}

func (s slowStore) Read(service, account string, opts ...credential.CallOption) credential.Result {
	time.Sleep(5 * time.Millisecond)
	return s.CredentialStore.Read(service, account, opts...)
}

func TestEncryptionKeyConcurrentLabelsShareKeyStoreKey(t *testing.T) {
	t.Parallel()
	fake := fakes.NewFakePrimitive()
	mgr := credential.NewManager(credential.NewScoped(fake, "sdk"), credential.ManagerOptions{})
	gen := keygen.New(slowStore{mgr}, fake, nil)

	labels := []string{"label0", "label1", "label2", "label3", "label4", "label5"}
	keys := make([]*secure.Key, len(labels))
	var wg sync.WaitGroup
	for i, label := range labels {
		wg.Add(1)
		go func(i int, label string) {
			defer wg.Done()
			k, err := gen.EncryptionKey(label)
			assert.NoError(t, err)
			keys[i] = k
		}(i, label)
	}
	wg.Wait()

	assert.Equal(t, len(labels)+1, fake.Len(), "one key-store key and one key per label")

	restarted := keygen.New(credential.NewManager(credential.NewScoped(fake, "sdk"), credential.ManagerOptions{}), fake, nil)
	for i, label := range labels {
		k, err := restarted.EncryptionKey(label)
		require.NoError(t, err, label)
		assert.True(t, keys[i].Equal(k), label)
	}
}

func TestLegacyKey(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_, ok := e.gen.LegacyKey("kv")
	assert.False(t, ok)

	material := make([]byte, secure.KeySize)
	material[0] = 7
	require.Equal(t, credential.StatusSuccess, e.fake.Seed(credential.Attributes{
		credential.AttrService: keygen.LegacyServicePrefix + "kv",
		credential.AttrAccount: keygen.KeyAccount,
	}, material))

	k, ok := e.gen.LegacyKey("kv")
	require.True(t, ok)
	raw, err := k.Export()
	require.NoError(t, err)
	assert.Equal(t, byte(7), raw[0])
}

func TestLegacyKeyIgnoresTaggedRecords(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	require.Equal(t, credential.StatusSuccess, e.fake.Seed(credential.Attributes{
		credential.AttrService: keygen.LegacyServicePrefix + "kv",
		credential.AttrAccount: keygen.KeyAccount,
		credential.AttrCreator: "sdk",
	}, make([]byte, secure.KeySize)))

	_, ok := e.gen.LegacyKey("kv")
	assert.False(t, ok)
}

func TestLegacyKeyWithoutPrimitive(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_, ok := keygen.New(e.mgr, nil, nil).LegacyKey("kv")
	assert.False(t, ok)
}
