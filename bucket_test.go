package rydb

import "testing"

func TestPackUnpackHashField(t *testing.T) {
	cases := []struct {
		bitLevel uint8
		hash     uint64
	}{
		{0, 0},
		{7, 0x1234567890ABCDEF},
		{maxBitLevel, hashMask},
	}

	for _, c := range cases {
		packed := packHashField(c.bitLevel, c.hash)
		gotLevel, gotHash := unpackHashField(packed)
		if gotLevel != c.bitLevel {
			t.Errorf("bitLevel round trip: got %d, want %d", gotLevel, c.bitLevel)
		}
		wantHash := c.hash & hashMask
		if gotHash != wantHash {
			t.Errorf("hash round trip: got %x, want %x", gotHash, wantHash)
		}
	}
}

func TestBucketEncodeDecodeRoundTrip(t *testing.T) {
	const indexLen = 8
	size := bucketSize(true, true, indexLen)
	buf := make([]byte, size)

	b := bucket{
		Rownum:   99,
		BitLevel: 5,
		Hash:     0xDEADBEEFCAFE,
		Value:    []byte("abcdefgh"),
	}
	encodeBucket(buf, b, true, true)

	got := decodeBucket(buf, true, true, indexLen)
	if got.Rownum != b.Rownum {
		t.Errorf("rownum = %d, want %d", got.Rownum, b.Rownum)
	}
	if got.BitLevel != b.BitLevel {
		t.Errorf("bitLevel = %d, want %d", got.BitLevel, b.BitLevel)
	}
	if got.Hash != truncateHash(b.Hash) {
		t.Errorf("hash = %x, want %x", got.Hash, truncateHash(b.Hash))
	}
	if string(got.Value) != string(b.Value) {
		t.Errorf("value = %q, want %q", got.Value, b.Value)
	}
}

func TestClearBucketMarksEmpty(t *testing.T) {
	size := bucketSize(true, false, 4)
	buf := make([]byte, size)
	encodeBucket(buf, bucket{Rownum: 5}, true, false)

	clearBucket(buf)
	got := decodeBucket(buf, true, false, 4)
	if !got.Empty() {
		t.Fatal("expected bucket to be empty after clearBucket")
	}
}

func TestBucketSizeAlignment(t *testing.T) {
	for _, indexLen := range []uint16{1, 3, 4, 7, 8} {
		size := bucketSize(true, true, indexLen)
		if size%4 != 0 {
			t.Errorf("bucketSize(%d) = %d, not 4-byte aligned", indexLen, size)
		}
	}
}
