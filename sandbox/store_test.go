package sandbox

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/sandboxd/runtime"
	"github.com/isdmx/sandboxd/sanderr"
)

func newSandbox(id, name string, state State) Sandbox {
	now := time.Now()
	return Sandbox{
		ID:         id,
		Name:       name,
		State:      state,
		CreatedAt:  now,
		LastActive: now,
		WorkDir:    "/workdir",
	}
}

func TestStorePutAndGet(t *testing.T) {
	store := NewStore()

	require.NoError(t, store.Put(newSandbox("id-1", "s1", StateCreating)))

	t.Run("ByID", func(t *testing.T) {
		sb, err := store.Get("id-1")
		require.NoError(t, err)
		assert.Equal(t, "s1", sb.Name)
	})

	t.Run("ByName", func(t *testing.T) {
		sb, err := store.Get("s1")
		require.NoError(t, err)
		assert.Equal(t, "id-1", sb.ID)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := store.Get("missing")
		require.Error(t, err)
		assert.True(t, sanderr.IsNotFound(err))
	})

	t.Run("DuplicateName", func(t *testing.T) {
		err := store.Put(newSandbox("id-2", "s1", StateCreating))
		require.Error(t, err)
		assert.True(t, sanderr.IsConflict(err))
	})

	t.Run("DuplicateID", func(t *testing.T) {
		err := store.Put(newSandbox("id-1", "other", StateCreating))
		require.Error(t, err)
		assert.True(t, sanderr.IsConflict(err))
	})

	t.Run("UnnamedSandboxesDoNotCollide", func(t *testing.T) {
		require.NoError(t, store.Put(newSandbox("id-3", "", StateCreating)))
		require.NoError(t, store.Put(newSandbox("id-4", "", StateCreating)))
	})
}

func TestStoreCompareAndSwapState(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put(newSandbox("id-1", "s1", StateCreating)))

	t.Run("Advances", func(t *testing.T) {
		require.NoError(t, store.CompareAndSwapState("id-1", StateCreating, StateActive))
		sb, err := store.Get("id-1")
		require.NoError(t, err)
		assert.Equal(t, StateActive, sb.State)
	})

	t.Run("MismatchIsConflict", func(t *testing.T) {
		err := store.CompareAndSwapState("id-1", StateCreating, StateActive)
		require.Error(t, err)
		assert.True(t, sanderr.IsConflict(err))
	})

	t.Run("LeavingLiveStatesFreesName", func(t *testing.T) {
		require.NoError(t, store.CompareAndSwapState("id-1", StateActive, StateDestroying))
		require.NoError(t, store.CompareAndSwapState("id-1", StateDestroying, StateDestroyed))

		// Name becomes reusable while the destroyed record is retained.
		require.NoError(t, store.Put(newSandbox("id-2", "s1", StateCreating)))

		sb, err := store.Get("id-1")
		require.NoError(t, err)
		assert.Equal(t, StateDestroyed, sb.State)
	})

	t.Run("UnknownID", func(t *testing.T) {
		err := store.CompareAndSwapState("missing", StateCreating, StateActive)
		assert.True(t, sanderr.IsNotFound(err))
	})
}

func TestStoreRemove(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put(newSandbox("id-1", "s1", StateCreating)))

	require.NoError(t, store.Remove("id-1"))
	_, err := store.Get("id-1")
	assert.True(t, sanderr.IsNotFound(err))
	_, err = store.Get("s1")
	assert.True(t, sanderr.IsNotFound(err))

	t.Run("RemoveUnknown", func(t *testing.T) {
		err := store.Remove("id-1")
		assert.True(t, sanderr.IsNotFound(err))
	})

	t.Run("NameReusableAfterRemove", func(t *testing.T) {
		require.NoError(t, store.Put(newSandbox("id-2", "s1", StateCreating)))
	})
}

func TestStoreList(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put(newSandbox("id-1", "s1", StateActive)))
	require.NoError(t, store.Put(newSandbox("id-2", "s2", StateActive)))
	require.NoError(t, store.Put(newSandbox("id-3", "s3", StateDestroyed)))

	t.Run("All", func(t *testing.T) {
		assert.Len(t, store.List(Filter{}), 3)
	})

	t.Run("ByState", func(t *testing.T) {
		active := store.List(Filter{States: []State{StateActive}})
		assert.Len(t, active, 2)
	})

	t.Run("ByName", func(t *testing.T) {
		byName := store.List(Filter{Name: "s2"})
		require.Len(t, byName, 1)
		assert.Equal(t, "id-2", byName[0].ID)
	})
}

func TestStoreSnapshotsAreIsolated(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put(newSandbox("id-1", "s1", StateActive)))
	require.NoError(t, store.AddPackages("id-1", []string{"numpy"}))

	sb, err := store.Get("id-1")
	require.NoError(t, err)
	sb.Packages[0] = "mutated"

	again, err := store.Get("id-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"numpy"}, again.Packages)
}

func TestStoreSetContainerAndTouch(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Put(newSandbox("id-1", "s1", StateCreating)))

	ref := runtime.ContainerRef{ID: "abc", Name: "sandbox-s1"}
	require.NoError(t, store.SetContainer("id-1", ref))

	later := time.Now().Add(time.Hour)
	require.NoError(t, store.Touch("id-1", later))

	sb, err := store.Get("id-1")
	require.NoError(t, err)
	assert.Equal(t, ref, sb.Container)
	assert.Equal(t, later, sb.LastActive)
}

func TestStoreConcurrentDistinctNames(t *testing.T) {
	store := NewStore()

	const n = 64
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Put(newSandbox(fmt.Sprintf("id-%d", i), fmt.Sprintf("s%d", i), StateCreating))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "put %d", i)
	}
	assert.Len(t, store.List(Filter{}), n)
	assert.Equal(t, n, store.LiveCount())
}

func TestStoreConcurrentSameName(t *testing.T) {
	store := NewStore()

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Put(newSandbox(fmt.Sprintf("id-%d", i), "shared", StateCreating))
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, sanderr.IsConflict(err))
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one record per name")
}
