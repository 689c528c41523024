package datasets

import (
	"encoding/base64"
	"hash/fnv"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/storage"
)

// Bloom filter shape for partition column pruning. Sized for a few thousand
// distinct values per partition at a low single-digit false positive rate.
const (
	bloomBits   = 8192
	bloomHashes = 4
)

// BloomFilter is a fixed-size bloom filter over string-rendered column
// values. It travels on partition rows as {"m":..,"k":..,"bits":base64}.
type BloomFilter struct {
	m    uint64
	k    int
	bits []byte
}

// NewBloomFilter creates an empty filter with the standard shape.
func NewBloomFilter() *BloomFilter {
	return &BloomFilter{m: bloomBits, k: bloomHashes, bits: make([]byte, bloomBits/8)}
}

// Add inserts a value.
func (f *BloomFilter) Add(value string) {
	h1, h2 := bloomHash(value)

	for i := 0; i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.m
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MightContain reports whether the value may be present. False is definite.
func (f *BloomFilter) MightContain(value string) bool {
	h1, h2 := bloomHash(value)

	for i := 0; i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.m
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}

	return true
}

// Encode renders the filter into its JSON column form.
func (f *BloomFilter) Encode() storage.JSONMap {
	return storage.JSONMap{
		"m":    f.m,
		"k":    f.k,
		"bits": base64.StdEncoding.EncodeToString(f.bits),
	}
}

// DecodeBloomFilter parses the JSON column form back into a filter.
func DecodeBloomFilter(raw any) (*BloomFilter, error) {
	entry, ok := raw.(map[string]any)
	if !ok {
		return nil, apperr.New(apperr.KindValidation, "bloom filter entry is not an object")
	}

	encoded, ok := entry["bits"].(string)
	if !ok {
		return nil, apperr.New(apperr.KindValidation, "bloom filter entry has no bits")
	}

	bits, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "decode bloom filter bits", err)
	}

	m := uint64(len(bits) * 8)
	if m == 0 {
		return nil, apperr.New(apperr.KindValidation, "bloom filter is empty")
	}

	k := bloomHashes
	if kv, ok := entry["k"].(float64); ok && kv > 0 {
		k = int(kv)
	}

	return &BloomFilter{m: m, k: k, bits: bits}, nil
}

// Double hashing from one FNV-1a pass over the value and one over the value
// with a salt byte, composing the k probe positions.
func bloomHash(value string) (uint64, uint64) {
	h := fnv.New64a()
	h.Write([]byte(value))
	h1 := h.Sum64()

	h.Write([]byte{0xff})
	h2 := h.Sum64() | 1

	return h1, h2
}
