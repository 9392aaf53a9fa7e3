package core

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// copysetInlineCap is the number of shard ids a Copyset can hold without
// heap allocation. Replication factors above this are rare.
const copysetInlineCap = 6

// Copyset is the ordered list of shards that received a copy of a record.
// Up to copysetInlineCap entries are stored inline; larger copysets fall
// back to a heap slice.
type Copyset struct {
	inline [copysetInlineCap]ShardID
	n      uint8
	spill  []ShardID
}

// NewCopyset builds a copyset from shard ids, preserving order.
func NewCopyset(shards ...ShardID) Copyset {
	var cs Copyset
	for _, s := range shards {
		cs.Append(s)
	}
	return cs
}

// Append adds one shard to the end of the copyset.
func (cs *Copyset) Append(s ShardID) {
	if cs.spill != nil {
		cs.spill = append(cs.spill, s)
		return
	}
	if int(cs.n) < copysetInlineCap {
		cs.inline[cs.n] = s
		cs.n++
		return
	}
	cs.spill = make([]ShardID, 0, copysetInlineCap*2)
	cs.spill = append(cs.spill, cs.inline[:cs.n]...)
	cs.spill = append(cs.spill, s)
}

// Len returns the number of shards in the copyset.
func (cs *Copyset) Len() int {
	if cs.spill != nil {
		return len(cs.spill)
	}
	return int(cs.n)
}

// At returns the shard at position i.
func (cs *Copyset) At(i int) ShardID {
	if cs.spill != nil {
		return cs.spill[i]
	}
	return cs.inline[i]
}

// Shards returns the copyset contents as a slice. The slice aliases internal
// storage and must not be modified.
func (cs *Copyset) Shards() []ShardID {
	if cs.spill != nil {
		return cs.spill
	}
	return cs.inline[:cs.n]
}

// Contains reports whether the copyset includes shard s.
func (cs *Copyset) Contains(s ShardID) bool {
	for i := 0; i < cs.Len(); i++ {
		if cs.At(i) == s {
			return true
		}
	}
	return false
}

// Equal reports whether two copysets hold the same shards in the same order.
func (cs *Copyset) Equal(other *Copyset) bool {
	if cs.Len() != other.Len() {
		return false
	}
	for i := 0; i < cs.Len(); i++ {
		if cs.At(i) != other.At(i) {
			return false
		}
	}
	return true
}

// Hash returns an order-sensitive 64-bit hash of the copyset, stored in
// copyset index entries for cheap grouping and equality checks.
func (cs *Copyset) Hash() uint64 {
	var buf [4]byte
	h := xxhash.New()
	for i := 0; i < cs.Len(); i++ {
		binary.BigEndian.PutUint32(buf[:], uint32(cs.At(i)))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// AppendEncode appends the wire encoding of the copyset to dst: a count byte
// followed by big-endian u32 shard ids.
func (cs *Copyset) AppendEncode(dst []byte) []byte {
	dst = append(dst, byte(cs.Len()))
	var buf [4]byte
	for i := 0; i < cs.Len(); i++ {
		binary.BigEndian.PutUint32(buf[:], uint32(cs.At(i)))
		dst = append(dst, buf[:]...)
	}
	return dst
}

// DecodeCopyset parses a copyset from b and returns the remaining bytes.
func DecodeCopyset(b []byte) (Copyset, []byte, error) {
	var cs Copyset
	if len(b) < 1 {
		return cs, nil, fmt.Errorf("copyset encoding truncated: empty buffer")
	}
	n := int(b[0])
	b = b[1:]
	if len(b) < n*4 {
		return cs, nil, fmt.Errorf("copyset encoding truncated: want %d shards, have %d bytes", n, len(b))
	}
	for i := 0; i < n; i++ {
		cs.Append(ShardID(binary.BigEndian.Uint32(b[i*4:])))
	}
	return cs, b[n*4:], nil
}

// EncodedLen returns the number of bytes AppendEncode will add.
func (cs *Copyset) EncodedLen() int {
	return 1 + cs.Len()*4
}
