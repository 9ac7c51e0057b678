package entity

import "math/bits"

// bitset tracks dirty property slots for one node. One bit per flattened
// slot; marking is O(1) and iteration touches only set words.
type bitset struct {
	words []uint64
}

func newBitset(n int) bitset {
	return bitset{words: make([]uint64, (n+63)/64)}
}

// set marks bit i and reports whether it was already set.
func (b *bitset) set(i int) bool {
	w, m := i>>6, uint64(1)<<(i&63)
	was := b.words[w]&m != 0
	b.words[w] |= m
	return was
}

func (b *bitset) get(i int) bool {
	return b.words[i>>6]&(uint64(1)<<(i&63)) != 0
}

func (b *bitset) any() bool {
	for _, w := range b.words {
		if w != 0 {
			return true
		}
	}
	return false
}

func (b *bitset) clear() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// forEach calls fn with every set bit index in ascending order.
func (b *bitset) forEach(fn func(i int)) {
	for wi, w := range b.words {
		for w != 0 {
			fn(wi<<6 + bits.TrailingZeros64(w))
			w &= w - 1
		}
	}
}
