package ident

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsUniqueAndOrdered(t *testing.T) {
	const n = 1000
	ids := make([]string, n)
	seen := make(map[string]bool, n)
	for i := range ids {
		id := New()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		ids[i] = id
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, ids, sorted, "generation order matches lexicographic order")
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := New()
	after := time.Now().Add(time.Second)

	ts, ok := Timestamp(id)
	require.True(t, ok)
	assert.True(t, ts.After(before) && ts.Before(after))

	_, ok = Timestamp("not-a-uuid")
	assert.False(t, ok)

	// v4 carries no timestamp.
	_, ok = Timestamp("9f86d081-884c-4d63-a1f0-0d3c5a8a34e1")
	assert.False(t, ok)
}
