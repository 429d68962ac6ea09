package idalloc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/kernos/internal/idalloc"
)

func TestAllocRotatesAndReleases(t *testing.T) {
	a := idalloc.New(100, 4)

	var got []int
	for i := 0; i < 4; i++ {
		id, err := a.Alloc()
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, []int{100, 101, 102, 103}, got)

	// Exhausted.
	_, err := a.Alloc()
	assert.Error(t, err)

	// A released ID comes back, but not immediately at the scan head.
	a.Release(101)
	id, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, 101, id)
}

func TestReleaseOutOfRangeIgnored(t *testing.T) {
	a := idalloc.New(10, 4)
	a.Release(3)
	a.Release(99)

	id, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, 10, id)
}
