// Package bytespool pools byte slices sized for datagrams.
package bytespool

import "sync"

// MaxDatagramSize is the largest UDP payload over IPv4 or IPv6 without
// jumbograms, rounded up to a power of two.
const MaxDatagramSize = 64 * 1024

// Size classes double from MinPoolSize up to MaxDatagramSize.
const (
	MinPoolSize = 2048
	numClasses  = 6
)

var classes [numClasses]struct {
	size int
	pool sync.Pool
}

func init() {
	size := MinPoolSize
	for i := range classes {
		sz := size
		classes[i].size = sz
		classes[i].pool.New = func() any {
			b := make([]byte, sz)
			return &b
		}
		size *= 2
	}
}

// class 返回能容纳 size 字节的最小分级，不存在时返回 -1。
func class(size int) int {
	for i := range classes {
		if size <= classes[i].size {
			return i
		}
	}
	return -1
}

// Alloc returns a slice of length size. Sizes below MinPoolSize or above
// MaxDatagramSize are allocated directly.
func Alloc(size int) []byte {
	if size < MinPoolSize {
		return make([]byte, size)
	}
	i := class(size)
	if i < 0 {
		return make([]byte, size)
	}
	b := *(classes[i].pool.Get().(*[]byte))
	return b[:size]
}

// Free returns b to the pool of the largest class it can serve.
// Slices smaller than MinPoolSize are left to the garbage collector.
func Free(b []byte) {
	c := cap(b)
	if c < MinPoolSize {
		return
	}
	for i := numClasses - 1; i >= 0; i-- {
		if c >= classes[i].size {
			b = b[:classes[i].size:classes[i].size]
			classes[i].pool.Put(&b)
			return
		}
	}
}
