package snapshot

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLocalCache(t *testing.T) *LocalCache {
	t.Helper()
	c, err := NewLocalCache(LocalCacheConfig{RAMMaxEntries: 2, DiskPath: filepath.Join(t.TempDir(), "snapshots")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLocalCachePutGet(t *testing.T) {
	c := newTestLocalCache(t)

	key := Key{Site: "example.com", Path: "/", DeviceType: DeviceDesktop, Type: KindHTML}
	snap := &Snapshot{Key: key, Status: 200, Meta: Meta{Title: "Home"}}

	c.Put(key, snap)

	got, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, "Home", got.Meta.Title)
}

func TestLocalCacheMissReturnsFalse(t *testing.T) {
	c := newTestLocalCache(t)

	_, ok := c.Get(Key{Site: "example.com", Path: "/missing", DeviceType: DeviceDesktop, Type: KindHTML})
	require.False(t, ok)
}

func TestLocalCacheDelete(t *testing.T) {
	c := newTestLocalCache(t)

	key := Key{Site: "example.com", Path: "/", DeviceType: DeviceDesktop, Type: KindHTML}
	c.Put(key, &Snapshot{Key: key, Status: 200})
	c.Delete(key)

	time.Sleep(10 * time.Millisecond)
	_, ok := c.Get(key)
	require.False(t, ok)
}

func TestLocalCacheEvictsToDiskUnderRAMPressure(t *testing.T) {
	c := newTestLocalCache(t)

	keys := []Key{
		{Site: "example.com", Path: "/a", DeviceType: DeviceDesktop, Type: KindHTML},
		{Site: "example.com", Path: "/b", DeviceType: DeviceDesktop, Type: KindHTML},
		{Site: "example.com", Path: "/c", DeviceType: DeviceDesktop, Type: KindHTML},
	}
	for _, k := range keys {
		c.Put(k, &Snapshot{Key: k, Status: 200})
	}
	time.Sleep(10 * time.Millisecond)

	// RAM cap is 2, so the first key was evicted from RAM, but should
	// still be retrievable from the disk tier.
	got, ok := c.Get(keys[0])
	require.True(t, ok)
	require.Equal(t, keys[0].Path, got.Key.Path)
}
