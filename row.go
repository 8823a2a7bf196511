package rydb

import (
	"encoding/binary"
	"hash/crc32"
)

// storedRowHeaderSize is the fixed prefix of every stored row: 1-byte
// type tag, 3 reserved bytes, 4-byte target_rownum (little-endian).
const storedRowHeaderSize = 8

// storedRowSize returns the on-disk size of one row given the
// database's fixed row_len.
func storedRowSize(rowLen uint16) int64 {
	return storedRowHeaderSize + int64(rowLen)
}

// dataMagic is the fixed ASCII prefix of the data file header payload.
var dataMagic = [16]byte{'r', 'y', 'd', 'b', ' ', 'd', 'a', 't', 'a'}

// dataFileHeaderSize is the 8-aligned prefix of the data file before the
// row array begins.
const dataFileHeaderSize = 64

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

const (
	offDataMagic          = 0  // [16]byte
	offDataFormatRevision = 16 // uint16
	offDataReserved       = 18 // uint16
	offDataRowLen         = 20 // uint16
	offDataIDLen          = 22 // uint16
	offDataNextRownum     = 24 // uint32
	offDataCmdNextRownum  = 28 // uint32
	offDataGeneration     = 32 // uint64
	offDataHeaderCRC32C   = 40 // uint32
)

// dataHeader is the decoded form of the data file's fixed header.
type dataHeader struct {
	FormatRevision uint16
	RowLen         uint16
	IDLen          uint16
	DataNextRownum Rownum
	CmdNextRownum  Rownum
	Generation     uint64
	HeaderCRC32C   uint32
}

func newDataHeader(rowLen, idLen uint16) dataHeader {
	return dataHeader{
		FormatRevision: formatRevision,
		RowLen:         rowLen,
		IDLen:          idLen,
		DataNextRownum: 1,
		CmdNextRownum:  1,
		Generation:     0,
	}
}

func encodeDataHeader(h dataHeader) []byte {
	buf := make([]byte, dataFileHeaderSize)
	copy(buf[offDataMagic:], dataMagic[:])
	binary.LittleEndian.PutUint16(buf[offDataFormatRevision:], h.FormatRevision)
	binary.LittleEndian.PutUint16(buf[offDataRowLen:], h.RowLen)
	binary.LittleEndian.PutUint16(buf[offDataIDLen:], h.IDLen)
	binary.LittleEndian.PutUint32(buf[offDataNextRownum:], uint32(h.DataNextRownum))
	binary.LittleEndian.PutUint32(buf[offDataCmdNextRownum:], uint32(h.CmdNextRownum))
	binary.LittleEndian.PutUint64(buf[offDataGeneration:], h.Generation)

	crc := computeDataHeaderCRC(buf)
	binary.LittleEndian.PutUint32(buf[offDataHeaderCRC32C:], crc)
	return buf
}

func decodeDataHeader(buf []byte) dataHeader {
	var h dataHeader
	h.FormatRevision = binary.LittleEndian.Uint16(buf[offDataFormatRevision:])
	h.RowLen = binary.LittleEndian.Uint16(buf[offDataRowLen:])
	h.IDLen = binary.LittleEndian.Uint16(buf[offDataIDLen:])
	h.DataNextRownum = Rownum(binary.LittleEndian.Uint32(buf[offDataNextRownum:]))
	h.CmdNextRownum = Rownum(binary.LittleEndian.Uint32(buf[offDataCmdNextRownum:]))
	h.Generation = binary.LittleEndian.Uint64(buf[offDataGeneration:])
	h.HeaderCRC32C = binary.LittleEndian.Uint32(buf[offDataHeaderCRC32C:])
	return h
}

// computeDataHeaderCRC computes the CRC32-C of the header with the CRC
// field itself zeroed.
func computeDataHeaderCRC(buf []byte) uint32 {
	tmp := make([]byte, dataFileHeaderSize)
	copy(tmp, buf)
	for i := offDataHeaderCRC32C; i < offDataHeaderCRC32C+4; i++ {
		tmp[i] = 0
	}
	return crc32.Checksum(tmp, crc32cTable)
}

func validateDataHeaderCRC(buf []byte) bool {
	stored := binary.LittleEndian.Uint32(buf[offDataHeaderCRC32C:])
	return stored == computeDataHeaderCRC(buf)
}

func hasValidMagic(buf []byte) bool {
	for i := range dataMagic {
		if dataMagic[i] == 0 {
			return true
		}
		if buf[offDataMagic+i] != dataMagic[i] {
			return false
		}
	}
	return true
}

// rowOffset returns the absolute byte offset of row rownum's stored
// representation within the data file, given the fixed row_len.
func rowOffset(rownum Rownum, rowLen uint16) int64 {
	return dataFileHeaderSize + (int64(rownum)-1)*storedRowSize(rowLen)
}

// storedRow is the decoded view of one stored row.
type storedRow struct {
	Type         RowType
	TargetRownum Rownum
	Payload      []byte // exactly rowLen bytes; shares backing with the mmap
}

// decodeStoredRow reads a row in place from buf (which must be exactly
// storedRowSize(rowLen) bytes starting at the row's offset).
func decodeStoredRow(buf []byte, rowLen uint16) storedRow {
	return storedRow{
		Type:         RowType(buf[0]),
		TargetRownum: Rownum(binary.LittleEndian.Uint32(buf[4:8])),
		Payload:      buf[storedRowHeaderSize : storedRowHeaderSize+int64(rowLen)],
	}
}

// encodeStoredRowHeader writes the type tag and target rownum into buf's
// first storedRowHeaderSize bytes. It does not touch the payload region.
func encodeStoredRowHeader(buf []byte, typ RowType, target Rownum) {
	buf[0] = byte(typ)
	buf[1] = 0
	buf[2] = 0
	buf[3] = 0
	binary.LittleEndian.PutUint32(buf[4:8], uint32(target))
}
