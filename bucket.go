package rydb

import "encoding/binary"

// Packed stored-hash field layout: the top 6 bits carry the hash-bit-level
// in force when the bucket was last (re)hashed; the low 58 bits carry the
// truncated hash. Per the source's design, this is not modeled as two
// named struct fields — it is read/written as one raw 64-bit value and
// split with shifts/masks, because the packing relies on that shape
// rather than on field alignment.
const (
	hashBits     = 58
	hashMask     = (uint64(1) << hashBits) - 1
	bitLevelBits = 6
	maxBitLevel  = (1 << bitLevelBits) - 1 // 63
)

func packHashField(bitLevel uint8, hash uint64) uint64 {
	return uint64(bitLevel&maxBitLevel)<<hashBits | (hash & hashMask)
}

func unpackHashField(packed uint64) (bitLevel uint8, hash uint64) {
	bitLevel = uint8(packed >> hashBits)
	hash = packed & hashMask
	return
}

// truncateHash reduces a 64-bit hash output to the 58 bits the packed
// field can carry.
func truncateHash(h uint64) uint64 {
	return h & hashMask
}

// bucket is the decoded view of one hashtable bucket.
type bucket struct {
	Rownum   Rownum // 0 = empty
	BitLevel uint8  // only meaningful if storeHash
	Hash     uint64 // truncated to 58 bits; only meaningful if storeHash
	Value    []byte // only present if storeValue; aliases the bucket array
}

func (b bucket) Empty() bool {
	return b.Rownum == RownumNull
}

// bucketSize returns the on-disk size in bytes of one bucket for the
// given store_hash/store_value/index_len configuration, rounded up to
// 4-byte alignment.
func bucketSize(storeHash, storeValue bool, indexLen uint16) uint32 {
	size := uint32(4)
	if storeHash {
		size += 8
	}
	if storeValue {
		size += uint32(indexLen)
	}
	return align4(size)
}

func align4(x uint32) uint32 {
	return (x + 3) &^ 3
}

// decodeBucket reads a bucket from buf (must be at least bucketSize bytes).
func decodeBucket(buf []byte, storeHash, storeValue bool, indexLen uint16) bucket {
	b := bucket{Rownum: Rownum(binary.LittleEndian.Uint32(buf[0:4]))}
	off := 4
	if storeHash {
		packed := binary.LittleEndian.Uint64(buf[off : off+8])
		b.BitLevel, b.Hash = unpackHashField(packed)
		off += 8
	}
	if storeValue {
		b.Value = buf[off : off+int(indexLen)]
	}
	return b
}

// encodeBucket writes a bucket into buf (must be at least bucketSize bytes).
func encodeBucket(buf []byte, b bucket, storeHash, storeValue bool) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(b.Rownum))
	off := 4
	if storeHash {
		binary.LittleEndian.PutUint64(buf[off:off+8], packHashField(b.BitLevel, b.Hash))
		off += 8
	}
	if storeValue {
		copy(buf[off:off+len(b.Value)], b.Value)
	}
}

// clearBucket zeroes a bucket slot (marks it empty).
func clearBucket(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
