package rydb

import "testing"

func TestDataHeaderRoundTrip(t *testing.T) {
	h := newDataHeader(64, 8)
	h.DataNextRownum = 42
	h.CmdNextRownum = 50

	buf := encodeDataHeader(h)
	if !hasValidMagic(buf) {
		t.Fatal("encoded header has invalid magic")
	}
	if !validateDataHeaderCRC(buf) {
		t.Fatal("encoded header failed its own CRC check")
	}

	got := decodeDataHeader(buf)
	if got.RowLen != 64 || got.IDLen != 8 || got.DataNextRownum != 42 || got.CmdNextRownum != 50 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDataHeaderCRCDetectsCorruption(t *testing.T) {
	h := newDataHeader(64, 8)
	buf := encodeDataHeader(h)
	buf[offDataRowLen] ^= 0xFF
	if validateDataHeaderCRC(buf) {
		t.Fatal("expected CRC mismatch after corrupting row_len byte")
	}
}

func TestStoredRowRoundTrip(t *testing.T) {
	const rowLen = 16
	buf := make([]byte, storedRowSize(rowLen))
	encodeStoredRowHeader(buf, RowData, 7)
	copy(buf[storedRowHeaderSize:], []byte("hello world12345"[:rowLen]))

	row := decodeStoredRow(buf, rowLen)
	if row.Type != RowData {
		t.Fatalf("type = %v, want RowData", row.Type)
	}
	if row.TargetRownum != 7 {
		t.Fatalf("target rownum = %d, want 7", row.TargetRownum)
	}
	if string(row.Payload) != "hello world12345" {
		t.Fatalf("payload = %q", row.Payload)
	}
}

func TestRowOffsetIsMonotonic(t *testing.T) {
	const rowLen = 32
	o1 := rowOffset(1, rowLen)
	o2 := rowOffset(2, rowLen)
	if o1 != dataFileHeaderSize {
		t.Fatalf("rowOffset(1) = %d, want %d", o1, dataFileHeaderSize)
	}
	if o2-o1 != storedRowSize(rowLen) {
		t.Fatalf("row stride = %d, want %d", o2-o1, storedRowSize(rowLen))
	}
}
