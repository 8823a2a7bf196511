package rydb

import (
	"encoding/binary"
	"hash/crc32"
)

// indexFileHeaderSize is the fixed header prefix of an index file, ahead
// of its bucket array. Generously sized (the sub[] stack dominates: up to
// maxSubLevels entries of {bits, count}) and left mostly unused past the
// last written field, mirroring the data file's own padded header.
const indexFileHeaderSize = 512

var indexMagic = [16]byte{'r', 'y', 'd', 'b', ' ', 'i', 'n', 'd', 'e', 'x'}

const (
	offIdxMagic              = 0
	offIdxFormatRevision      = 16
	offIdxWritelock           = 20
	offIdxActive              = 24
	offIdxBucketSize          = 28
	offIdxBucketCountTotal    = 32
	offIdxBucketCountUsed     = 40
	offIdxOverflowExtension   = 48
	offIdxTopBits             = 56
	offIdxTopCount            = 64
	offIdxSubCount            = 72
	offIdxSubLevels           = 80 // maxSubLevels * subLevelEncodedSize bytes
	subLevelEncodedSize       = 9  // 1 byte bits + 8 bytes count
	offIdxHeaderCRC32C        = offIdxSubLevels + maxSubLevels*subLevelEncodedSize
)

// subLevel is one entry of the incremental-rehash bit-level stack: an
// older bit-width still partially in use, and how many buckets remain
// tagged at it.
type subLevel struct {
	Bits  uint8
	Count uint64
}

// indexHeader is the decoded runtime state of one hashtable index.
type indexHeader struct {
	FormatRevision    uint16
	Writelock         uint32
	Active            bool
	BucketSize        uint32
	BucketCountTotal  uint64 // 2^TopBits + OverflowExtension
	BucketCountUsed   uint64
	OverflowExtension uint64
	TopBits           uint8
	TopCount          uint64
	Sub               []subLevel // length == active sub-level count, most-recent first
}

func newIndexHeader(bucketSize uint32, initialBits uint8) indexHeader {
	return indexHeader{
		FormatRevision:   formatRevision,
		Active:           true,
		BucketSize:       bucketSize,
		BucketCountTotal: uint64(1) << initialBits,
		TopBits:          initialBits,
	}
}

func encodeIndexHeader(h indexHeader) []byte {
	buf := make([]byte, indexFileHeaderSize)
	copy(buf[offIdxMagic:], indexMagic[:])
	binary.LittleEndian.PutUint16(buf[offIdxFormatRevision:], h.FormatRevision)
	binary.LittleEndian.PutUint32(buf[offIdxWritelock:], h.Writelock)
	if h.Active {
		buf[offIdxActive] = 1
	}
	binary.LittleEndian.PutUint32(buf[offIdxBucketSize:], h.BucketSize)
	binary.LittleEndian.PutUint64(buf[offIdxBucketCountTotal:], h.BucketCountTotal)
	binary.LittleEndian.PutUint64(buf[offIdxBucketCountUsed:], h.BucketCountUsed)
	binary.LittleEndian.PutUint64(buf[offIdxOverflowExtension:], h.OverflowExtension)
	buf[offIdxTopBits] = h.TopBits
	binary.LittleEndian.PutUint64(buf[offIdxTopCount:], h.TopCount)

	if len(h.Sub) > maxSubLevels {
		panic("rydb: sub[] stack overflow, exceeds maxSubLevels")
	}
	buf[offIdxSubCount] = byte(len(h.Sub))
	for i, s := range h.Sub {
		off := offIdxSubLevels + i*subLevelEncodedSize
		buf[off] = s.Bits
		binary.LittleEndian.PutUint64(buf[off+1:], s.Count)
	}

	crc := crc32.Checksum(zeroCRCField(buf, offIdxHeaderCRC32C), crc32cTable)
	binary.LittleEndian.PutUint32(buf[offIdxHeaderCRC32C:], crc)
	return buf
}

func zeroCRCField(buf []byte, crcOff int) []byte {
	tmp := make([]byte, len(buf))
	copy(tmp, buf)
	for i := crcOff; i < crcOff+4 && i < len(tmp); i++ {
		tmp[i] = 0
	}
	return tmp
}

func decodeIndexHeader(buf []byte) indexHeader {
	var h indexHeader
	h.FormatRevision = binary.LittleEndian.Uint16(buf[offIdxFormatRevision:])
	h.Writelock = binary.LittleEndian.Uint32(buf[offIdxWritelock:])
	h.Active = buf[offIdxActive] != 0
	h.BucketSize = binary.LittleEndian.Uint32(buf[offIdxBucketSize:])
	h.BucketCountTotal = binary.LittleEndian.Uint64(buf[offIdxBucketCountTotal:])
	h.BucketCountUsed = binary.LittleEndian.Uint64(buf[offIdxBucketCountUsed:])
	h.OverflowExtension = binary.LittleEndian.Uint64(buf[offIdxOverflowExtension:])
	h.TopBits = buf[offIdxTopBits]
	h.TopCount = binary.LittleEndian.Uint64(buf[offIdxTopCount:])

	subCount := int(buf[offIdxSubCount])
	h.Sub = make([]subLevel, subCount)
	for i := 0; i < subCount; i++ {
		off := offIdxSubLevels + i*subLevelEncodedSize
		h.Sub[i] = subLevel{Bits: buf[off], Count: binary.LittleEndian.Uint64(buf[off+1:])}
	}
	return h
}

func validateIndexHeaderCRC(buf []byte) bool {
	stored := binary.LittleEndian.Uint32(buf[offIdxHeaderCRC32C:])
	return stored == crc32.Checksum(zeroCRCField(buf, offIdxHeaderCRC32C), crc32cTable)
}

// hashtableIndex is one open-addressing secondary index, backed by its
// own mmapped bucket-array file plus a rownum->bucket-position map file
// ("rydb.{name}.index.{indexname}.map") that makes removal O(1) instead
// of a probe-and-search.
type hashtableIndex struct {
	cfg    IndexConfig
	file   *mmapFile // rydb.{name}.index.{name}
	posMap *mmapFile // rydb.{name}.index.{name}.map
	header indexHeader

	// cursors is the intrusive back-pointer set of live cursors
	// currently positioned somewhere in this index, so a rehash that
	// moves a bucket can fix up any cursor pointed at it.
	cursors map[*Cursor]struct{}
}

func (idx *hashtableIndex) registerCursor(c *Cursor) {
	if idx.cursors == nil {
		idx.cursors = make(map[*Cursor]struct{})
	}
	idx.cursors[c] = struct{}{}
}

func (idx *hashtableIndex) unregisterCursor(c *Cursor) {
	delete(idx.cursors, c)
}

// notifyBucketMoved updates every cursor currently positioned at
// fromSlot (under fromBits) so it continues pointing at the same
// logical bucket after a rehash relocates it to toSlot.
func (idx *hashtableIndex) notifyBucketMoved(fromSlot uint64, fromBits uint8, toSlot uint64, toBits uint8) {
	for c := range idx.cursors {
		if c.slot == fromSlot && c.bits == fromBits {
			c.slot = toSlot
			c.bits = toBits
		}
	}
}

// matchFunc compares a candidate bucket's row against the lookup key.
// The caller (db.go) supplies this since it requires reading the row's
// indexed byte range from the data file.
type matchFunc func(candidate Rownum) (bool, error)

func (idx *hashtableIndex) bucketOffset(slot uint64) int64 {
	return indexFileHeaderSize + int64(slot)*int64(idx.header.BucketSize)
}

func (idx *hashtableIndex) bucketAt(slot uint64) bucket {
	buf := idx.file.bytesAt(idx.bucketOffset(slot), int64(idx.header.BucketSize))
	return decodeBucket(buf, idx.cfg.StoreHash, idx.cfg.StoreValue, idx.cfg.Len)
}

func (idx *hashtableIndex) setBucketAt(slot uint64, b bucket) {
	buf := idx.file.bytesAt(idx.bucketOffset(slot), int64(idx.header.BucketSize))
	encodeBucket(buf, b, idx.cfg.StoreHash, idx.cfg.StoreValue)
}

func (idx *hashtableIndex) clearBucketAt(slot uint64) {
	buf := idx.file.bytesAt(idx.bucketOffset(slot), int64(idx.header.BucketSize))
	clearBucket(buf)
}

func (idx *hashtableIndex) flushHeader() error {
	buf := encodeIndexHeader(idx.header)
	dst := idx.file.bytesAt(0, indexFileHeaderSize)
	copy(dst, buf)
	return nil
}

func (idx *hashtableIndex) posMapGet(rownum Rownum) uint64 {
	off := int64(rownum-1) * 8
	return binary.LittleEndian.Uint64(idx.posMap.bytesAt(off, 8))
}

func (idx *hashtableIndex) posMapSet(rownum Rownum, slot uint64) error {
	off := int64(rownum-1) * 8
	if err := idx.posMap.ensureSize(off + 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(idx.posMap.bytesAt(off, 8), slot)
	return nil
}

// ensureBucketCapacity grows the underlying file (not the logical bucket
// count) to cover slot, used both by ordinary overflow-tail extension and
// by grow's doubling.
func (idx *hashtableIndex) ensureBucketCapacity(slots uint64) error {
	need := idx.bucketOffset(slots)
	return idx.file.ensureSize(need)
}

// insert adds one bucket for (hash, rownum, value), growing first if the
// load factor would be exceeded, then linear-probing from the natural
// slot under the current top bit-level without wraparound: crossing the
// end of the logical table extends the bucket array by one slot in
// place rather than wrapping back to slot zero.
func (idx *hashtableIndex) insert(db *DB, hash uint64, rownum Rownum, value []byte) error {
	if float64(idx.header.BucketCountUsed+1) > idx.cfg.LoadFactorMax*float64(uint64(1)<<idx.header.TopBits) {
		if err := db.growIndex(idx); err != nil {
			return err
		}
	}

	truncated := truncateHash(hash)
	natural := truncated & ((uint64(1) << idx.header.TopBits) - 1)

	incOnWrite := idx.cfg.RehashFlags&RehashIncrementalOnWrite != 0 && idx.cfg.StoreHash

	slot := natural
	for {
		if err := idx.ensureBucketCapacity(slot + 1); err != nil {
			return err
		}
		b := idx.bucketAt(slot)

		if incOnWrite && !b.Empty() && b.BitLevel != idx.header.TopBits {
			if newSlot := b.Hash & ((uint64(1) << idx.header.TopBits) - 1); newSlot != slot {
				if err := db.rehashBucket(idx, slot); err != nil {
					return err
				}
				b = idx.bucketAt(slot)
			}
		}

		if b.Empty() {
			break
		}
		slot++
	}

	nb := bucket{Rownum: rownum}
	if idx.cfg.StoreHash {
		nb.BitLevel = idx.header.TopBits
		nb.Hash = truncated
	}
	if idx.cfg.StoreValue {
		nb.Value = value
	}
	if slot >= idx.header.BucketCountTotal {
		idx.header.BucketCountTotal = slot + 1
		idx.header.OverflowExtension = idx.header.BucketCountTotal - uint64(1)<<idx.header.TopBits
	}
	idx.setBucketAt(slot, nb)

	idx.header.BucketCountUsed++
	idx.header.TopCount++
	if err := idx.posMapSet(rownum, slot); err != nil {
		return err
	}
	return idx.flushHeader()
}

// lookup searches the top bit-level then each sub-level in turn (oldest
// grow generations still being lazily migrated).
func (idx *hashtableIndex) lookup(db *DB, hash uint64, match matchFunc) (Rownum, bool, error) {
	truncated := truncateHash(hash)

	levels := make([]uint8, 0, 1+len(idx.header.Sub))
	levels = append(levels, idx.header.TopBits)
	for _, s := range idx.header.Sub {
		levels = append(levels, s.Bits)
	}

	for li, bits := range levels {
		slot := truncated & ((uint64(1) << bits) - 1)
		for {
			if slot >= idx.header.BucketCountTotal {
				break
			}
			b := idx.bucketAt(slot)
			if b.Empty() {
				break
			}

			candidateMatches := false
			if idx.cfg.StoreHash {
				if b.Hash == truncated {
					ok, err := match(b.Rownum)
					if err != nil {
						return 0, false, err
					}
					candidateMatches = ok
				}
			} else {
				ok, err := match(b.Rownum)
				if err != nil {
					return 0, false, err
				}
				candidateMatches = ok
			}

			if candidateMatches {
				if li > 0 && idx.cfg.RehashFlags&RehashIncrementalOnRead != 0 {
					if err := db.rehashBucket(idx, slot); err != nil {
						return 0, false, err
					}
				}
				return b.Rownum, true, nil
			}
			slot++
		}
	}

	return RownumNull, false, nil
}

// remove locates rownum's bucket via the position map (O(1)), clears it,
// then shift-compacts the following overflow run per Knuth 6.4 Algorithm R.
func (idx *hashtableIndex) remove(rownum Rownum) error {
	slot := idx.posMapGet(rownum)
	b := idx.bucketAt(slot)
	if b.Empty() || b.Rownum != rownum {
		return wrapErr(Unspecified, "index remove: position map points at stale bucket", ErrUnspecified)
	}

	empty := slot
	idx.clearBucketAt(empty)

	for probe := slot + 1; probe < idx.header.BucketCountTotal; probe++ {
		cand := idx.bucketAt(probe)
		if cand.Empty() {
			break
		}

		var natural uint64
		if idx.cfg.StoreHash {
			bits := cand.BitLevel
			natural = cand.Hash & ((uint64(1) << bits) - 1)
		} else {
			natural = probe // no stored hash: cannot recompute; conservatively never moves
		}

		if natural <= empty {
			idx.setBucketAt(empty, cand)
			idx.clearBucketAt(probe)
			if err := idx.posMapSet(cand.Rownum, empty); err != nil {
				return err
			}
			empty = probe
		}
	}

	idx.header.BucketCountUsed--
	if idx.cfg.StoreHash && b.BitLevel != idx.header.TopBits {
		for i := range idx.header.Sub {
			if idx.header.Sub[i].Bits == b.BitLevel && idx.header.Sub[i].Count > 0 {
				idx.header.Sub[i].Count--
				break
			}
		}
		dropEmptySubLevels(&idx.header)
	} else if idx.header.TopCount > 0 {
		idx.header.TopCount--
	}
	return idx.flushHeader()
}
