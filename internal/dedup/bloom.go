package dedup

import (
	"math"

	"github.com/spaolacci/murmur3"
)

// bloomFilter is a fixed-size bloom filter over dedup keys. It gives a fast
// "definitely new" answer before the exact membership map is consulted.
// No false negatives: if a key was added, contains always returns true until
// the filter is rebuilt after a sweep. Callers hold the owning shard's lock.
type bloomFilter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
}

// newBloomFilter sizes a filter for the expected number of live keys and
// target false positive rate.
func newBloomFilter(expectedItems int, targetFPR float64) *bloomFilter {
	if expectedItems <= 0 {
		expectedItems = 1024
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	numBits := int(math.Ceil(-float64(expectedItems) * math.Log(targetFPR) / (math.Ln2 * math.Ln2)))
	numHashes := int(math.Round(float64(numBits) / float64(expectedItems) * math.Ln2))
	if numHashes < 1 {
		numHashes = 1
	}

	numWords := (numBits + 63) / 64
	return &bloomFilter{
		bits:      make([]uint64, numWords),
		numBits:   uint64(numWords * 64),
		numHashes: uint64(numHashes),
	}
}

// add inserts a key into the filter.
func (f *bloomFilter) add(key string) {
	h1, h2 := hash128(key)
	for i := uint64(0); i < f.numHashes; i++ {
		bit := (h1 + i*h2) % f.numBits
		f.bits[bit/64] |= 1 << (bit % 64)
	}
}

// contains reports whether the key may have been added.
func (f *bloomFilter) contains(key string) bool {
	h1, h2 := hash128(key)
	for i := uint64(0); i < f.numHashes; i++ {
		bit := (h1 + i*h2) % f.numBits
		if f.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// reset clears all bits so the filter can be rebuilt from live keys.
func (f *bloomFilter) reset() {
	for i := range f.bits {
		f.bits[i] = 0
	}
}

// hash128 computes a murmur3 128-bit hash and returns two 64-bit values used
// for double hashing.
func hash128(key string) (uint64, uint64) {
	h := murmur3.New128()
	h.Write([]byte(key))
	return h.Sum128()
}
