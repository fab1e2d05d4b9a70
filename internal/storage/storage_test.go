package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestPutGet(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	in := doc{Name: "a", Count: 2}
	require.NoError(t, s.Put(ctx, []string{"ns", "key"}, in))

	var out doc
	require.NoError(t, s.Get(ctx, []string{"ns", "key"}, &out))
	assert.Equal(t, in, out)
}

func TestGet_NotFound(t *testing.T) {
	s := New(t.TempDir())
	var out doc
	assert.ErrorIs(t, s.Get(context.Background(), []string{"missing"}, &out), ErrNotFound)
}

func TestPut_Overwrites(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"k"}, doc{Name: "first"}))
	require.NoError(t, s.Put(ctx, []string{"k"}, doc{Name: "second"}))

	var out doc
	require.NoError(t, s.Get(ctx, []string{"k"}, &out))
	assert.Equal(t, "second", out.Name)
}

func TestPut_LeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Put(context.Background(), []string{"k"}, doc{Name: "a"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestDelete(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"k"}, doc{}))
	require.NoError(t, s.Delete(ctx, []string{"k"}))
	assert.False(t, s.Exists(ctx, []string{"k"}))

	// Deleting a missing key is fine.
	require.NoError(t, s.Delete(ctx, []string{"k"}))

	// Same for a nested key whose directory was never created.
	require.NoError(t, s.Delete(ctx, []string{"partial", "never-written"}))
}

func TestDeleteAll(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"tree", "a"}, doc{}))
	require.NoError(t, s.Put(ctx, []string{"tree", "sub", "b"}, doc{}))
	require.NoError(t, s.DeleteAll(ctx, []string{"tree"}))

	keys, err := s.List(ctx, []string{"tree"})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestList_SortedKeysAndDirs(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"ns", "b"}, doc{}))
	require.NoError(t, s.Put(ctx, []string{"ns", "a"}, doc{}))
	require.NoError(t, s.Put(ctx, []string{"ns", "sub", "c"}, doc{}))

	keys, err := s.List(ctx, []string{"ns"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "sub"}, keys)

	keys, err = s.List(ctx, []string{"empty"})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestScan(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"ns", "a"}, doc{Name: "a"}))
	require.NoError(t, s.Put(ctx, []string{"ns", "b"}, doc{Name: "b"}))

	var names []string
	err := s.Scan(ctx, []string{"ns"}, func(key string, data json.RawMessage) error {
		var d doc
		require.NoError(t, json.Unmarshal(data, &d))
		names = append(names, d.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestScan_SkipsUnreadableEntries(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"ns", "good"}, doc{Name: "good"}))
	// A subdirectory named like a key produces a read error and is skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ns", "bad.json"), 0o755))

	var keys []string
	err := s.Scan(ctx, []string{"ns"}, func(key string, data json.RawMessage) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, keys)
}

func TestPut_ConcurrentWritersLeaveValidDocument(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.Put(ctx, []string{"k"}, doc{Count: n})
		}(i)
	}
	wg.Wait()

	var out doc
	require.NoError(t, s.Get(ctx, []string{"k"}, &out))
	assert.GreaterOrEqual(t, out.Count, 0)
	assert.Less(t, out.Count, 20)
}
