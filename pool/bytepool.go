// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Size-class slab pool for buffer backing arrays.

package pool

import (
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultClasses are the slab sizes used by Default.
var DefaultClasses = []int{512, 2048, 4096, 16384, 65536, 262144, 1048576}

// Default is the process wide pool.
var Default = NewBytePool()

// BytePool hands out byte slices rounded up to the nearest size class.
// Requests above the largest class are allocated directly and never pooled.
type BytePool struct {
	classes  []*slab
	oversize atomic.Int64
}

type slab struct {
	size  int
	pool  sync.Pool
	alloc atomic.Int64
	gets  atomic.Int64
	puts  atomic.Int64
}

// Stats is a point in time view of pool activity.
type Stats struct {
	Gets  int64
	Puts  int64
	Alloc int64
	// Oversize counts requests served outside the size classes.
	Oversize int64
}

// NewBytePool creates a pool with the given size classes, or DefaultClasses.
func NewBytePool(classes ...int) *BytePool {
	if len(classes) == 0 {
		classes = DefaultClasses
	}
	sizes := append([]int(nil), classes...)
	sort.Ints(sizes)
	p := &BytePool{}
	for _, size := range sizes {
		if size <= 0 || (len(p.classes) > 0 && p.classes[len(p.classes)-1].size == size) {
			continue
		}
		s := &slab{size: size}
		s.pool.New = func() any {
			s.alloc.Add(1)
			b := make([]byte, s.size)
			return &b
		}
		p.classes = append(p.classes, s)
	}
	return p
}

func (p *BytePool) class(n int) *slab {
	i := sort.Search(len(p.classes), func(i int) bool { return p.classes[i].size >= n })
	if i == len(p.classes) {
		return nil
	}
	return p.classes[i]
}

// Get returns a slice of length n with capacity of its size class.
func (p *BytePool) Get(n int) []byte {
	s := p.class(n)
	if s == nil {
		p.oversize.Add(1)
		return make([]byte, n)
	}
	s.gets.Add(1)
	b := *s.pool.Get().(*[]byte)
	return b[:n]
}

// Put returns a slice obtained from Get. Slices whose capacity is not an
// exact size class are left to the garbage collector.
func (p *BytePool) Put(b []byte) {
	c := cap(b)
	s := p.class(c)
	if s == nil || s.size != c {
		return
	}
	s.puts.Add(1)
	b = b[:c]
	s.pool.Put(&b)
}

// ClassSize returns the capacity Get(n) would hand out.
func (p *BytePool) ClassSize(n int) int {
	if s := p.class(n); s != nil {
		return s.size
	}
	return n
}

// Stats aggregates counters across classes.
func (p *BytePool) Stats() Stats {
	var st Stats
	for _, s := range p.classes {
		st.Gets += s.gets.Load()
		st.Puts += s.puts.Load()
		st.Alloc += s.alloc.Load()
	}
	st.Oversize = p.oversize.Load()
	return st
}
