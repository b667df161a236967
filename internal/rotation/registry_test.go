package rotation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryRegisterIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Register(1)
	r.Register(1)
	assert.Equal(t, 1, r.Size())
	assert.True(t, r.Contains(1))
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Register(1)
	r.Unregister(1)
	r.Unregister(1)
	r.Unregister(99) // never registered
	assert.Equal(t, 0, r.Size())
	assert.False(t, r.Contains(1))
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	r.Register(1)
	r.Register(2)

	snap := r.Snapshot()
	assert.ElementsMatch(t, []int64{1, 2}, snap)

	r.Register(3)
	r.Unregister(1)
	assert.ElementsMatch(t, []int64{1, 2}, snap, "snapshot must not see later mutations")
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for i := int64(0); i < 100; i++ {
				r.Register(base*100 + i)
				_ = r.Snapshot()
				r.Unregister(base*100 + i)
			}
		}(int64(g))
	}
	wg.Wait()
	assert.Equal(t, 0, r.Size())
}
