package rbtree

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/warden/internal/fnwlist"
)

func intCmp(a, b any) int {
	return a.(int) - b.(int)
}

func init() {
	// The comparator used by these tests is itself a whitelisted function,
	// like any production comparator would be.
	fnwlist.Register(fnwlist.TreeCmp, intCmp)
}

func TestInsertSearch(t *testing.T) {
	tr := New(intCmp)
	require.Equal(t, 0, tr.Len())

	keys := rand.Perm(200)
	for _, k := range keys {
		require.True(t, tr.Insert(k, k*10))
	}
	assert.Equal(t, 200, tr.Len())

	// Duplicate insert is rejected and does not clobber.
	assert.False(t, tr.Insert(42, -1))
	v, ok := tr.Search(42)
	require.True(t, ok)
	assert.Equal(t, 420, v)

	_, ok = tr.Search(1000)
	assert.False(t, ok)
}

func TestAscendOrder(t *testing.T) {
	tr := New(intCmp)
	for _, k := range rand.Perm(100) {
		tr.Insert(k, nil)
	}

	var got []int
	tr.Ascend(func(key, _ any) bool {
		got = append(got, key.(int))
		return true
	})
	require.Len(t, got, 100)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}

	// Early stop.
	seen := 0
	tr.Ascend(func(_, _ any) bool {
		seen++
		return seen < 5
	})
	assert.Equal(t, 5, seen)
}

func TestDelete(t *testing.T) {
	tr := New(intCmp)
	keys := rand.Perm(300)
	for _, k := range keys {
		tr.Insert(k, k)
	}

	// Remove a random half, then verify the survivors and ordering.
	removed := map[int]bool{}
	for _, k := range keys[:150] {
		v, ok := tr.Delete(k)
		require.True(t, ok)
		assert.Equal(t, k, v)
		removed[k] = true
	}
	assert.Equal(t, 150, tr.Len())

	_, ok := tr.Delete(keys[0])
	assert.False(t, ok)

	var got []int
	tr.Ascend(func(key, _ any) bool {
		got = append(got, key.(int))
		return true
	})
	require.Len(t, got, 150)
	for i, k := range got {
		assert.False(t, removed[k])
		if i > 0 {
			assert.Less(t, got[i-1], k)
		}
	}

	for _, k := range got {
		_, ok := tr.Search(k)
		assert.True(t, ok)
	}
}

func TestDeleteAll(t *testing.T) {
	tr := New(intCmp)
	for _, k := range rand.Perm(64) {
		tr.Insert(k, k)
	}
	for k := 0; k < 64; k++ {
		_, ok := tr.Delete(k)
		require.True(t, ok, "key %d", k)
	}
	assert.Equal(t, 0, tr.Len())
	_, ok := tr.Search(0)
	assert.False(t, ok)
}
