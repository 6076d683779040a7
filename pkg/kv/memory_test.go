package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestProvider() (*MemoryProvider, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewMemoryProvider().WithClock(clock.Now), clock
}

func TestMemoryProvider_SetGet(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider()

	_, ok, err := p.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	written, err := p.Set(ctx, "k", "v1", SetOptions{})
	require.NoError(t, err)
	assert.True(t, written)

	v, ok, err := p.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestMemoryProvider_SetOnlyIfAbsent(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestProvider()

	written, err := p.Set(ctx, "lock", "a", SetOptions{TTL: time.Minute, OnlyIfAbsent: true})
	require.NoError(t, err)
	assert.True(t, written)

	written, err = p.Set(ctx, "lock", "b", SetOptions{TTL: time.Minute, OnlyIfAbsent: true})
	require.NoError(t, err)
	assert.False(t, written, "live value must block")

	v, _, _ := p.Get(ctx, "lock")
	assert.Equal(t, "a", v, "failed set has no side effects")

	clock.Advance(time.Minute)
	written, err = p.Set(ctx, "lock", "b", SetOptions{TTL: time.Minute, OnlyIfAbsent: true})
	require.NoError(t, err)
	assert.True(t, written, "expired value counts as absent")
}

func TestMemoryProvider_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestProvider()

	_, err := p.Set(ctx, "k", "v", SetOptions{TTL: 10 * time.Second})
	require.NoError(t, err)

	clock.Advance(9 * time.Second)
	_, ok, _ := p.Get(ctx, "k")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok, _ = p.Get(ctx, "k")
	assert.False(t, ok)

	keys, err := p.Keys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryProvider_Increment(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider()

	n, err := p.Increment(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = p.Increment(ctx, "counter", -2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = p.Set(ctx, "text", "abc", SetOptions{})
	require.NoError(t, err)
	_, err = p.Increment(ctx, "text", 1)
	assert.Error(t, err)
}

func TestMemoryProvider_Lists(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider()

	n, err := p.ListPush(ctx, "l", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = p.ListPush(ctx, "l", "c")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, want := range []string{"a", "b", "c"} {
		v, ok, err := p.ListPopFront(ctx, "l")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, v)
	}

	_, ok, err := p.ListPopFront(ctx, "l")
	require.NoError(t, err)
	assert.False(t, ok)

	length, err := p.ListLen(ctx, "l")
	require.NoError(t, err)
	assert.Zero(t, length)

	keys, _ := p.Keys(ctx, "l")
	assert.Empty(t, keys, "emptied list is removed")

	n, err = p.ListPush(ctx, "l")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NotPanics(t, func() {
		_, ok, err = p.ListPopFront(ctx, "l")
	})
	require.NoError(t, err)
	assert.False(t, ok)
	keys, _ = p.Keys(ctx, "l")
	assert.Empty(t, keys, "pushing nothing creates no entry")
}

func TestMemoryProvider_WrongType(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider()

	_, err := p.ListPush(ctx, "list", "a")
	require.NoError(t, err)
	_, _, err = p.Get(ctx, "list")
	assert.ErrorIs(t, err, ErrWrongType)

	_, err = p.Set(ctx, "scalar", "x", SetOptions{})
	require.NoError(t, err)
	_, err = p.ListPush(ctx, "scalar", "a")
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestMemoryProvider_CompareAndDelete(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider()

	_, err := p.Set(ctx, "k", "token-1", SetOptions{})
	require.NoError(t, err)

	deleted, err := p.CompareAndDelete(ctx, "k", "token-2")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = p.CompareAndDelete(ctx, "k", "token-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = p.CompareAndDelete(ctx, "k", "token-1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMemoryProvider_Keys(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider()

	_, _ = p.ListPush(ctx, "buffer:b", "x")
	_, _ = p.ListPush(ctx, "buffer:a", "x")
	_, _ = p.Set(ctx, "other", "x", SetOptions{})

	keys, err := p.Keys(ctx, "buffer:")
	require.NoError(t, err)
	assert.Equal(t, []string{"buffer:a", "buffer:b"}, keys)
}

func TestMemoryProvider_ConcurrentPush(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.ListPush(ctx, "l", "x")
			_, _ = p.Increment(ctx, "n", 1)
		}()
	}
	wg.Wait()

	length, err := p.ListLen(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, 50, length)

	v, _, err := p.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, "50", v)
}
