package credential_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/securestore/internal/credential"
	"github.com/systmms/securestore/internal/metrics"
	"github.com/systmms/securestore/tests/fakes"
)

func newManager(t *testing.T, cache bool) (*credential.Manager, *fakes.FakePrimitive) {
	t.Helper()
	fake := fakes.NewFakePrimitive()
	mgr := credential.NewManager(credential.NewScoped(fake, "sdk"), credential.ManagerOptions{
		CacheEnabled: cache,
		Metrics:      metrics.New(),
	})
	return mgr, fake
}

func TestManagerReadMissing(t *testing.T) {
	t.Parallel()
	mgr, fake := newManager(t, true)

	r := mgr.Read("svc", "acct")
	assert.False(t, r.Success)
	assert.True(t, r.NotFound())
	assert.NoError(t, r.Err)

	// Misses are not cached.
	mgr.Read("svc", "acct")
	assert.Equal(t, 2, fake.Calls("find"))
}

func TestManagerReadCachesSuccess(t *testing.T) {
	t.Parallel()
	mgr, fake := newManager(t, true)

	require.True(t, mgr.Write("svc", "acct", []byte("v")).Success)
	before := fake.Calls("find")

	for i := 0; i < 3; i++ {
		r := mgr.Read("svc", "acct")
		require.True(t, r.Success)
		assert.Equal(t, []byte("v"), r.Data)
	}
	assert.Equal(t, before, fake.Calls("find"))
}

func TestManagerCachedDataIsCopied(t *testing.T) {
	t.Parallel()
	mgr, _ := newManager(t, true)

	require.True(t, mgr.Write("svc", "acct", []byte("value")).Success)
	r := mgr.Read("svc", "acct")
	r.Data[0] = 'X'

	assert.Equal(t, []byte("value"), mgr.Read("svc", "acct").Data)
}

func TestManagerCacheCoherency(t *testing.T) {
	t.Parallel()
	mgr, _ := newManager(t, true)

	require.True(t, mgr.Write("svc", "acct", []byte("A"), credential.WithCacheMode(credential.CacheEnabled)).Success)
	require.True(t, mgr.Write("svc", "acct", []byte("B"), credential.WithCacheMode(credential.CacheDisabled)).Success)

	cached := mgr.Read("svc", "acct", credential.WithCacheMode(credential.CacheEnabled))
	uncached := mgr.Read("svc", "acct", credential.WithCacheMode(credential.CacheDisabled))

	assert.Equal(t, []byte("A"), cached.Data)
	assert.Equal(t, []byte("B"), uncached.Data)
}

func TestManagerDefaultCacheFlag(t *testing.T) {
	t.Parallel()
	mgr, fake := newManager(t, false)
	assert.False(t, mgr.CacheEnabled())

	require.True(t, mgr.Write("svc", "acct", []byte("v")).Success)
	mgr.Read("svc", "acct")
	mgr.Read("svc", "acct")
	assert.Equal(t, 2, fake.Calls("find"))

	mgr.SetCacheEnabled(true)
	assert.True(t, mgr.CacheEnabled())
	mgr.Read("svc", "acct")
	mgr.Read("svc", "acct")
	assert.Equal(t, 3, fake.Calls("find"))

	mgr.Read("svc", "acct", credential.WithCacheMode(credential.CacheDisabled))
	assert.Equal(t, 4, fake.Calls("find"))
}

func TestManagerWriteOverwrites(t *testing.T) {
	t.Parallel()
	mgr, fake := newManager(t, true)

	require.True(t, mgr.Write("svc", "acct", []byte("one")).Success)
	require.True(t, mgr.Write("svc", "acct", []byte("two")).Success)

	assert.Equal(t, []byte("two"), mgr.Read("svc", "acct").Data)
	assert.Equal(t, []byte("two"), mgr.Read("svc", "acct", credential.WithCacheMode(credential.CacheDisabled)).Data)
	assert.Equal(t, 1, fake.Len())
}

func TestManagerWriteFailureLeavesNoCacheEntry(t *testing.T) {
	t.Parallel()
	mgr, fake := newManager(t, true)

	require.True(t, mgr.Write("svc", "acct", []byte("old")).Success)

	fake.FailWith("update", credential.StatusInteractionNotAllowed)
	r := mgr.Write("svc", "acct", []byte("new"))
	require.False(t, r.Success)
	require.Error(t, r.Err)
	assert.Equal(t, credential.StatusInteractionNotAllowed, r.Status)

	var se *credential.StatusError
	require.True(t, errors.As(r.Err, &se))
	assert.Equal(t, "svc", se.Service)

	fake.FailWith("update", credential.StatusSuccess)
	before := fake.Calls("find")
	assert.Equal(t, []byte("old"), mgr.Read("svc", "acct").Data)
	assert.Equal(t, before+1, fake.Calls("find"), "stale entry must have been dropped")
}

func TestManagerReadPlatformError(t *testing.T) {
	t.Parallel()
	mgr, fake := newManager(t, true)
	fake.FailWith("find", credential.StatusIO)

	r := mgr.Read("svc", "acct")
	assert.False(t, r.Success)
	assert.False(t, r.NotFound())
	assert.Equal(t, credential.StatusIO, r.Status)
	assert.Error(t, r.Err)
}

func TestManagerCreateIfNotPresent(t *testing.T) {
	t.Parallel()
	mgr, fake := newManager(t, true)

	r := mgr.CreateIfNotPresent("svc", "acct")
	require.True(t, r.Success)
	assert.Empty(t, r.Data)
	assert.Equal(t, 1, fake.Len())

	require.True(t, mgr.Write("svc", "acct", []byte("v")).Success)
	r = mgr.CreateIfNotPresent("svc", "acct")
	require.True(t, r.Success)
	assert.Equal(t, []byte("v"), r.Data)
	assert.Equal(t, 1, fake.Len())
}

func TestManagerReset(t *testing.T) {
	t.Parallel()
	mgr, _ := newManager(t, true)

	assert.True(t, mgr.Reset("svc", "acct").NotFound())

	require.True(t, mgr.Write("svc", "acct", []byte("secret")).Success)
	r := mgr.Reset("svc", "acct")
	require.True(t, r.Success)
	assert.Empty(t, r.Data)

	got := mgr.Read("svc", "acct", credential.WithCacheMode(credential.CacheDisabled))
	require.True(t, got.Success)
	assert.Empty(t, got.Data)
	assert.Empty(t, mgr.Read("svc", "acct").Data)
}

func TestManagerRemoveIsIdempotent(t *testing.T) {
	t.Parallel()
	mgr, _ := newManager(t, true)

	r := mgr.Remove("svc", "acct")
	assert.True(t, r.NotFound())
	assert.NoError(t, r.Err)

	require.True(t, mgr.Write("svc", "acct", []byte("v")).Success)
	require.True(t, mgr.Remove("svc", "acct").Success)
	assert.True(t, mgr.Read("svc", "acct").NotFound())
}

func TestManagerRemoveAllOnlyTouchesTagged(t *testing.T) {
	t.Parallel()
	mgr, fake := newManager(t, true)

	require.Equal(t, credential.StatusSuccess, fake.Seed(credential.Attributes{
		credential.AttrService: "other", credential.AttrAccount: "x",
	}, []byte("foreign")))
	require.True(t, mgr.Write("svc", "a", []byte("1")).Success)
	require.True(t, mgr.Write("svc", "b", []byte("2")).Success)

	r := mgr.RemoveAll()
	require.True(t, r.Success)
	assert.NoError(t, r.Err)
	assert.Equal(t, 1, fake.Len())
	assert.True(t, mgr.Read("svc", "a").NotFound())

	// Exact reads still reach the foreign record.
	assert.Equal(t, []byte("foreign"), mgr.Read("other", "x").Data)

	assert.True(t, mgr.RemoveAll().Success, "removing nothing succeeds")
}

func TestManagerAccessGroupOption(t *testing.T) {
	t.Parallel()
	mgr, _ := newManager(t, true)

	require.True(t, mgr.Write("svc", "acct", []byte("g1"), credential.WithAccessGroup("g1")).Success)
	require.True(t, mgr.Write("svc", "acct", []byte("g2"), credential.WithAccessGroup("g2")).Success)

	assert.Equal(t, []byte("g1"), mgr.Read("svc", "acct", credential.WithAccessGroup("g1")).Data)
	assert.Equal(t, []byte("g2"), mgr.Read("svc", "acct", credential.WithAccessGroup("g2")).Data)
}

func TestManagerSetAccessibility(t *testing.T) {
	t.Parallel()
	fake := fakes.NewFakePrimitive()
	scoped := credential.NewScoped(fake, "sdk")
	mgr := credential.NewManager(scoped, credential.ManagerOptions{CacheEnabled: true})
	assert.Equal(t, credential.AccessibleAfterFirstUnlockThisDeviceOnly, mgr.Accessibility())

	for i := 0; i < 3; i++ {
		require.True(t, mgr.Write("svc", fmt.Sprintf("a%d", i), []byte("v")).Success)
	}

	require.NoError(t, mgr.SetAccessibility(credential.AccessibleWhenUnlocked))
	assert.Equal(t, credential.AccessibleWhenUnlocked, mgr.Accessibility())
	assert.Equal(t, 3, fake.Calls("update")-3, "one update per differing record")

	st, items := scoped.Find(credential.Query{Attributes: credential.Attributes{}, All: true})
	require.Equal(t, credential.StatusSuccess, st)
	for _, it := range items {
		assert.Equal(t, string(credential.AccessibleWhenUnlocked), it.Attributes[credential.AttrAccessible])
	}

	// Same target again is a no-op.
	updates := fake.Calls("update")
	require.NoError(t, mgr.SetAccessibility(credential.AccessibleWhenUnlocked))
	assert.Equal(t, updates, fake.Calls("update"))

	assert.Error(t, mgr.SetAccessibility("bogus"))
}

func TestManagerSetAccessibilityMixedPolicies(t *testing.T) {
	t.Parallel()
	fake := fakes.NewFakePrimitive()
	scoped := credential.NewScoped(fake, "sdk")
	mgr := credential.NewManager(scoped, credential.ManagerOptions{})

	seed := map[string]credential.Accessibility{
		"a": credential.AccessibleAfterFirstUnlockThisDeviceOnly,
		"b": credential.AccessibleWhenUnlocked,
		"c": credential.AccessibleAfterFirstUnlock,
	}
	for _, acct := range []string{"a", "b", "c"} {
		require.Equal(t, credential.StatusSuccess, fake.Seed(credential.Attributes{
			credential.AttrService:    "svc",
			credential.AttrAccount:    acct,
			credential.AttrCreator:    "sdk",
			credential.AttrAccessible: string(seed[acct]),
		}, []byte(acct)))
	}

	// The target equals the current default and the first record already
	// has it; the other records must still be rewritten.
	require.NoError(t, mgr.SetAccessibility(credential.AccessibleAfterFirstUnlockThisDeviceOnly))
	assert.Equal(t, 2, fake.Calls("update"), "only differing records are updated")

	st, items := scoped.Find(credential.Query{Attributes: credential.Attributes{}, All: true})
	require.Equal(t, credential.StatusSuccess, st)
	require.Len(t, items, 3)
	for _, it := range items {
		assert.Equal(t, string(credential.AccessibleAfterFirstUnlockThisDeviceOnly), it.Attributes[credential.AttrAccessible],
			it.Attributes[credential.AttrAccount])
	}
}

func TestManagerSetAccessibilityFindFailureRestoresPolicy(t *testing.T) {
	t.Parallel()
	mgr, fake := newManager(t, true)
	fake.FailWith("find", credential.StatusIO)

	err := mgr.SetAccessibility(credential.AccessibleWhenUnlocked)
	require.Error(t, err)
	assert.Equal(t, credential.AccessibleAfterFirstUnlockThisDeviceOnly, mgr.Accessibility())
}

func TestManagerUpgradeManagedItems(t *testing.T) {
	t.Parallel()
	fake := fakes.NewFakePrimitive()
	scoped := credential.NewScoped(fake, "sdk")

	require.Equal(t, credential.StatusSuccess, fake.Seed(credential.Attributes{
		credential.AttrService: "managed", credential.AttrAccount: "a",
	}, []byte("old")))
	require.Equal(t, credential.StatusSuccess, fake.Seed(credential.Attributes{
		credential.AttrService: "unmanaged", credential.AttrAccount: "a",
	}, []byte("keep")))

	mgr := credential.NewManager(scoped, credential.ManagerOptions{
		CacheEnabled:    true,
		ManagedServices: []string{"managed"},
	})
	require.NoError(t, mgr.UpgradeManagedItems())

	st, items := scoped.Find(credential.Query{Attributes: credential.Attributes{}, All: true})
	require.Equal(t, credential.StatusSuccess, st)
	require.Len(t, items, 1)
	assert.Equal(t, "managed", items[0].Attributes[credential.AttrService])
	assert.Equal(t, []byte("old"), items[0].Data)

	// Upgraded records can now be overwritten through the tag.
	require.True(t, mgr.Write("managed", "a", []byte("new")).Success)
	assert.Equal(t, 2, fake.Len())
}

func TestManagerUpgradeRunsOnce(t *testing.T) {
	t.Parallel()
	fake := fakes.NewFakePrimitive()
	mgr := credential.NewManager(credential.NewScoped(fake, "sdk"), credential.ManagerOptions{
		ManagedServices: []string{"managed"},
	})

	mgr.Read("x", "y")
	mgr.Read("x", "y")
	require.NoError(t, mgr.UpgradeManagedItems())

	// One upgrade find plus one find per read.
	assert.Equal(t, 3, fake.Calls("find"))
}

func TestManagerClearCaches(t *testing.T) {
	t.Parallel()
	mgr, fake := newManager(t, true)

	require.True(t, mgr.Write("svc", "acct", []byte("v")).Success)
	mgr.ClearCaches()

	before := fake.Calls("find")
	mgr.Read("svc", "acct")
	assert.Equal(t, before+1, fake.Calls("find"))
}

func TestManagerConcurrentAccess(t *testing.T) {
	t.Parallel()
	mgr, _ := newManager(t, true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			account := fmt.Sprintf("acct-%d", i)
			for j := 0; j < 50; j++ {
				val := []byte(fmt.Sprintf("%d-%d", i, j))
				r := mgr.Write("svc", account, val)
				assert.True(t, r.Success)
				got := mgr.Read("svc", account)
				assert.True(t, got.Success)
				assert.NotEmpty(t, got.Data)
				if j%10 == 0 {
					mgr.Remove("svc", account)
				}
			}
		}(i)
	}
	wg.Wait()
}
