// ABOUTME: Tests for the dedupe window used to suppress duplicate messages.
// ABOUTME: Validates TTL expiration, values, size limits, forgetting and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Check_NotSeen(t *testing.T) {
	cache := New[struct{}](5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Check("never-seen-key"))
}

func TestCache_MarkAndCheck(t *testing.T) {
	cache := New[struct{}](5*time.Minute, 100)
	defer cache.Close()

	cache.Mark("my-key")
	assert.True(t, cache.Check("my-key"))
}

func TestCache_Check_Expired(t *testing.T) {
	cache := New[struct{}](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("expiring-key")
	assert.True(t, cache.Check("expiring-key"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, cache.Check("expiring-key"))
}

func TestCache_PutAndGet(t *testing.T) {
	cache := New[int64](5*time.Minute, 100)
	defer cache.Close()

	cache.Put("client-1", 42)
	v, ok := cache.Get("client-1")
	assert.True(t, ok)
	assert.Equal(t, int64(42), v)

	_, ok = cache.Get("client-2")
	assert.False(t, ok)
}

func TestCache_CheckAndMark(t *testing.T) {
	cache := New[struct{}](5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("k"), "first sighting is new")
	assert.True(t, cache.CheckAndMark("k"), "second sighting is a duplicate")
}

func TestCache_EvictsOldest(t *testing.T) {
	cache := New[struct{}](5*time.Minute, 2)
	defer cache.Close()

	cache.Mark("a")
	cache.Mark("b")
	cache.Mark("c")

	assert.False(t, cache.Check("a"))
	assert.True(t, cache.Check("b"))
	assert.True(t, cache.Check("c"))
	assert.Equal(t, 2, cache.Len())
}

func TestCache_RemarkMovesToBack(t *testing.T) {
	cache := New[struct{}](5*time.Minute, 2)
	defer cache.Close()

	cache.Mark("a")
	cache.Mark("b")
	cache.Mark("a")
	cache.Mark("c")

	assert.True(t, cache.Check("a"))
	assert.False(t, cache.Check("b"))
}

func TestCache_ForgetAndReset(t *testing.T) {
	cache := New[struct{}](5*time.Minute, 10)
	defer cache.Close()

	cache.Mark("a")
	cache.Mark("b")
	cache.Forget("a")
	cache.Forget("missing")
	assert.False(t, cache.Check("a"))
	assert.True(t, cache.Check("b"))

	cache.Reset()
	assert.Equal(t, 0, cache.Len())
	cache.Mark("c")
	assert.True(t, cache.Check("c"))
}

func TestCache_RunCleanup(t *testing.T) {
	cache := New[struct{}](10*time.Millisecond, 10)
	defer cache.Close()

	cache.Mark("old")
	time.Sleep(20 * time.Millisecond)
	cache.runCleanup()

	assert.Equal(t, 0, cache.Len())
}

func TestMessageKey(t *testing.T) {
	assert.Equal(t, "conv-1:1700000000000", MessageKey("conv-1", 1700000000000))
	assert.NotEqual(t, MessageKey("a", 1), MessageKey("b", 1))
}

func TestCache_Concurrent(t *testing.T) {
	cache := New[int](5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if !cache.CheckAndMark("shared") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
			cache.Put(fmt.Sprintf("k-%d", i), i)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, fresh, "exactly one goroutine sees the key as new")
	assert.Equal(t, 51, cache.Len())
}

func TestCache_CloseIdempotent(t *testing.T) {
	cache := New[struct{}](time.Minute, 10)
	cache.Close()
	cache.Close()
}
