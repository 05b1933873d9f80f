package handles

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableLifecycle(t *testing.T) {
	var closed []string
	tbl := New(func(s string) { closed = append(closed, s) })

	a := tbl.Add("a")
	b := tbl.Add("b")
	assert.Equal(t, uint64(1), a)
	assert.Equal(t, uint64(2), b)
	assert.Equal(t, 2, tbl.Len())

	v, ok := tbl.Get(a)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	assert.True(t, tbl.Remove(a))
	assert.False(t, tbl.Remove(a))
	_, ok = tbl.Get(a)
	assert.False(t, ok)
	assert.Equal(t, []string{"a"}, closed)

	c := tbl.Add("c")
	assert.Equal(t, uint64(3), c, "handles are not reused")

	tbl.Close()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, closed)
	assert.Zero(t, tbl.Len())
}

func TestTableRange(t *testing.T) {
	tbl := New[int](nil)
	for i := 0; i < 5; i++ {
		tbl.Add(i)
	}
	count := 0
	tbl.Range(func(uint64, int) bool {
		count++
		return count < 3
	})
	assert.Equal(t, 3, count)
}

func TestTableConcurrentAdd(t *testing.T) {
	tbl := New[int](nil)
	var wg sync.WaitGroup
	seen := sync.Map{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := tbl.Add(i)
			_, dup := seen.LoadOrStore(h, true)
			assert.False(t, dup)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, tbl.Len())
}
