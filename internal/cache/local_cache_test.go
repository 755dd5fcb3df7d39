package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalCache_SetGet(t *testing.T) {
	c := NewLocalCache[string](10, time.Minute)
	defer c.Close()

	c.Set("a", "1", 0)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestLocalCache_Expiry(t *testing.T) {
	c := NewLocalCache[int](10, time.Minute)
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("k", 42, time.Second)

	now = now.Add(2 * time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLocalCache_Eviction(t *testing.T) {
	c := NewLocalCache[int](2, time.Minute)
	defer c.Close()

	c.Set("short", 1, time.Second)
	c.Set("long", 2, time.Hour)
	c.Set("new", 3, time.Hour)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("long")
	assert.True(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}
