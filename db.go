package rydb

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

// crc32Hash is the CRC32 hash function option; uses the same Castagnoli
// table as the header checksums, since both are just "a CRC32 variant",
// not a format detail callers can observe cross-checked against each
// other.
func crc32Hash(key []byte) uint32 {
	return crc32.Checksum(key, crc32cTable)
}

// identityHash implements the "nohash" option: the indexed byte slice is
// treated as an already-good hash. The first 8 bytes (zero-padded if
// shorter) are read as a little-endian integer and truncated to the
// bucket field's 58 bits by the caller.
func identityHash(key []byte) uint64 {
	var buf [8]byte
	copy(buf[:], key)
	return binary.LittleEndian.Uint64(buf[:])
}

// DB is an open RyDB database: the mmapped data file (rows plus the
// pending command log), every configured hashtable index, and the
// cross-process lock held for its lifetime.
type DB struct {
	cfg    Config
	rowLen uint16
	idLen  uint16

	lock *dbLock
	data *mmapFile
	header dataHeader

	indices     []*hashtableIndex
	indexByName map[string]*hashtableIndex

	txnActive         bool
	txnFirstCmdRownum Rownum
	scratch           map[string]*uniqueScratch

	closed bool
	lastErr error
}

func dbPaths(cfg Config) (data, meta, lock string) {
	base := filepath.Join(cfg.Path, "rydb."+cfg.Name)
	return base + ".data", base + ".meta", base + ".lock"
}

func indexPaths(cfg Config, indexName string) (file, posMap string) {
	base := filepath.Join(cfg.Path, fmt.Sprintf("rydb.%s.index.%s", cfg.Name, indexName))
	return base, base + ".map"
}

// Open creates or opens a database per cfg. Opening an existing database
// whose on-disk meta disagrees with cfg returns a *Error with Kind
// ConfigMismatch, VersionMismatch, RevisionMismatch, or WrongEndianness.
func Open(cfg Config) (*DB, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, wrapErr(FileAccess, "create database directory", err)
	}

	dataPath, metaPath, lockPath := dbPaths(cfg)

	lock, err := acquireLock(lockPath)
	if err != nil {
		return nil, err
	}

	db := &DB{
		cfg:         cfg,
		rowLen:      cfg.RowLen,
		idLen:       cfg.IDLen,
		lock:        lock,
		indexByName: map[string]*hashtableIndex{},
	}

	_, statErr := os.Stat(metaPath)
	creating := os.IsNotExist(statErr)

	if creating {
		if err := db.create(dataPath, metaPath); err != nil {
			lock.release()
			return nil, err
		}
	} else {
		if err := db.openExisting(dataPath, metaPath); err != nil {
			lock.release()
			return nil, err
		}
	}

	if err := db.recoverOnOpen(); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) create(dataPath, metaPath string) error {
	meta := newMetaDoc(db.cfg)
	if err := writeMetaFile(metaPath, meta); err != nil {
		return err
	}

	window := db.cfg.MmapWindow
	initial := dataFileHeaderSize + storedRowSize(db.cfg.RowLen)*16
	mf, err := openMmapFile(dataPath, int64(initial), int64(window), true)
	if err != nil {
		return err
	}
	db.data = mf
	db.header = newDataHeader(db.cfg.RowLen, db.cfg.IDLen)
	if err := db.flushDataHeader(); err != nil {
		return err
	}

	for _, idxCfg := range db.cfg.withPrimaryIndex() {
		idx, err := db.createIndex(idxCfg)
		if err != nil {
			return err
		}
		db.indices = append(db.indices, idx)
		db.indexByName[idxCfg.Name] = idx
	}
	return nil
}

func (db *DB) createIndex(idxCfg IndexConfig) (*hashtableIndex, error) {
	filePath, mapPath := indexPaths(db.cfg, idxCfg.Name)
	bSize := bucketSize(idxCfg.StoreHash, idxCfg.StoreValue, idxCfg.Len)

	const initialBits = 4
	file, err := openMmapFile(filePath, indexFileHeaderSize+int64(bSize)*(1<<initialBits), int64(db.cfg.MmapWindow), true)
	if err != nil {
		return nil, err
	}
	posMap, err := openMmapFile(mapPath, 8*1024, int64(db.cfg.MmapWindow), true)
	if err != nil {
		file.close()
		return nil, err
	}

	idx := &hashtableIndex{
		cfg:    idxCfg,
		file:   file,
		posMap: posMap,
		header: newIndexHeader(bSize, initialBits),
	}
	for slot := uint64(0); slot < uint64(1)<<initialBits; slot++ {
		idx.clearBucketAt(slot)
	}
	if err := idx.flushHeader(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (db *DB) openExisting(dataPath, metaPath string) error {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return wrapErr(FileAccess, "read meta file", err)
	}
	meta, err := unmarshalMeta(raw)
	if err != nil {
		return err
	}
	if err := checkMetaAgainstConfig(meta, db.cfg); err != nil {
		return err
	}

	mf, err := openMmapFile(dataPath, dataFileHeaderSize, int64(db.cfg.MmapWindow), false)
	if err != nil {
		return err
	}
	db.data = mf

	hdrBuf := mf.bytesAt(0, dataFileHeaderSize)
	if !hasValidMagic(hdrBuf) {
		return wrapErr(FileInvalid, "data file magic mismatch", ErrFileInvalid)
	}
	if !validateDataHeaderCRC(hdrBuf) {
		return wrapErr(FileInvalid, "data file header checksum mismatch", ErrFileInvalid)
	}
	db.header = decodeDataHeader(hdrBuf)
	if db.header.RowLen != db.cfg.RowLen || db.header.IDLen != db.cfg.IDLen {
		return wrapErr(ConfigMismatch, "data file row_len/id_len mismatch", ErrConfigMismatch)
	}

	for _, idxCfg := range db.cfg.withPrimaryIndex() {
		idx, err := db.openIndex(idxCfg)
		if err != nil {
			return err
		}
		db.indices = append(db.indices, idx)
		db.indexByName[idxCfg.Name] = idx
	}
	return nil
}

func (db *DB) openIndex(idxCfg IndexConfig) (*hashtableIndex, error) {
	filePath, mapPath := indexPaths(db.cfg, idxCfg.Name)

	file, err := openMmapFile(filePath, indexFileHeaderSize, int64(db.cfg.MmapWindow), false)
	if err != nil {
		return nil, err
	}
	posMap, err := openMmapFile(mapPath, 8*1024, int64(db.cfg.MmapWindow), false)
	if err != nil {
		file.close()
		return nil, err
	}

	hdrBuf := file.bytesAt(0, indexFileHeaderSize)
	if !validateIndexHeaderCRC(hdrBuf) {
		file.close()
		posMap.close()
		return nil, wrapErr(FileInvalid, fmt.Sprintf("index %q header checksum mismatch", idxCfg.Name), ErrFileInvalid)
	}

	return &hashtableIndex{
		cfg:    idxCfg,
		file:   file,
		posMap: posMap,
		header: decodeIndexHeader(hdrBuf),
	}, nil
}

func (db *DB) flushDataHeader() error {
	db.header.Generation += 2
	buf := encodeDataHeader(db.header)
	dst := db.data.bytesAt(0, dataFileHeaderSize)
	copy(dst, buf)
	return nil
}

// recoverOnOpen runs crash recovery: locate the last CMD_COMMIT in the
// trailing command range and replay up to it, or discard the whole range
// if none exists.
func (db *DB) recoverOnOpen() error {
	if db.header.CmdNextRownum <= db.header.DataNextRownum {
		return nil
	}

	var commitRn Rownum
	found := false
	for rn := db.header.CmdNextRownum; rn > db.header.DataNextRownum; rn-- {
		typ, err := db.rowType(rn - 1)
		if err != nil {
			return err
		}
		if typ == RowCmdCommit {
			commitRn = rn - 1
			found = true
			break
		}
	}

	if !found {
		for rn := db.header.DataNextRownum; rn < db.header.CmdNextRownum; rn++ {
			db.setRowType(rn, RowEmpty)
		}
		db.header.CmdNextRownum = db.header.DataNextRownum
		return db.flushDataHeader()
	}

	db.txnActive = true
	db.txnFirstCmdRownum = db.header.DataNextRownum
	db.scratch = map[string]*uniqueScratch{}
	if err := db.runReducer(db.txnFirstCmdRownum, commitRn); err != nil {
		db.txnActive = false
		return err
	}
	db.txnActive = false
	db.scratch = nil

	for rn := commitRn + 1; rn < db.header.CmdNextRownum; rn++ {
		db.setRowType(rn, RowEmpty)
	}
	db.header.CmdNextRownum = db.header.DataNextRownum
	return db.flushDataHeader()
}

// ensureRowCapacity grows the data file so rownum rn's stored row is
// addressable.
func (db *DB) ensureRowCapacity(rn Rownum) error {
	end := rowOffset(rn, db.rowLen) + storedRowSize(db.rowLen)
	return db.data.ensureSize(end)
}

func (db *DB) rowBuf(rn Rownum) []byte {
	return db.data.bytesAt(rowOffset(rn, db.rowLen), storedRowSize(db.rowLen))
}

func (db *DB) readRow(rn Rownum) (storedRow, error) {
	if err := db.ensureRowCapacity(rn); err != nil {
		return storedRow{}, err
	}
	return decodeStoredRow(db.rowBuf(rn), db.rowLen), nil
}

func (db *DB) rowType(rn Rownum) (RowType, error) {
	if err := db.ensureRowCapacity(rn); err != nil {
		return 0, err
	}
	return RowType(db.rowBuf(rn)[0]), nil
}

func (db *DB) setRowType(rn Rownum, typ RowType) {
	db.rowBuf(rn)[0] = byte(typ)
}

// Close releases the mmaps and the cross-process lock. Calls after the
// first are no-ops that return nil.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, idx := range db.indices {
		record(idx.file.close())
		record(idx.posMap.close())
	}
	if db.data != nil {
		record(db.data.sync())
		record(db.data.close())
	}
	record(db.lock.release())
	return firstErr
}

// Err returns the last error encountered by a mutating operation on this
// handle, for callers that prefer to check Err() after a batch of calls
// rather than thread an error return through every one of them.
func (db *DB) Err() error {
	return db.lastErr
}

// setErr records err as the last error if non-nil, and returns it
// unchanged so call sites can write "return db.setErr(err)".
func (db *DB) setErr(err error) error {
	if err != nil {
		db.lastErr = err
	}
	return err
}

func (db *DB) indexedSlice(idx *hashtableIndex, payload []byte) []byte {
	return payload[idx.cfg.Start : idx.cfg.Start+idx.cfg.Len]
}

func (db *DB) hashFor(idx *hashtableIndex, key []byte) uint64 {
	switch idx.cfg.HashFunction {
	case HashCRC32:
		return uint64(crc32Hash(key))
	case HashIdentity:
		return identityHash(key)
	default:
		k0, k1 := siphashKeyParts(db.cfg.HashKey)
		return sipHash24(k0, k1, key)
	}
}

func (db *DB) checkUniqueForWrite(dst Rownum, payload []byte) error {
	for _, idx := range db.indices {
		if !idx.cfg.Unique {
			continue
		}
		key := db.indexedSlice(idx, payload)
		keyStr := scratchKey(key)

		if sc := db.scratch[idx.cfg.Name]; sc != nil {
			if owner, ok := sc.added[keyStr]; ok && owner != dst {
				return wrapErr(NotUnique, fmt.Sprintf("index %q: duplicate key in pending transaction", idx.cfg.Name), ErrNotUnique)
			}
		}

		hash := db.hashFor(idx, key)
		existing, ok, err := idx.lookup(db, hash, func(candidate Rownum) (bool, error) {
			return db.rowMatchesKey(candidate, idx, key)
		})
		if err != nil {
			return err
		}
		if ok && existing != dst {
			if sc := db.scratch[idx.cfg.Name]; sc != nil && sc.removed[keyStr] {
				continue
			}
			return wrapErr(NotUnique, fmt.Sprintf("index %q: value not unique", idx.cfg.Name), ErrNotUnique)
		}
	}
	return nil
}

func (db *DB) rowMatchesKey(candidate Rownum, idx *hashtableIndex, key []byte) (bool, error) {
	row, err := db.readRow(candidate)
	if err != nil {
		return false, err
	}
	if row.Type != RowData {
		return false, nil
	}
	return bytesEqual(db.indexedSlice(idx, row.Payload), key), nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// indicesAddRow inserts rn's indexed keys into every configured index.
func (db *DB) indicesAddRow(rn Rownum) error {
	row, err := db.readRow(rn)
	if err != nil {
		return err
	}
	for _, idx := range db.indices {
		key := db.indexedSlice(idx, row.Payload)
		hash := db.hashFor(idx, key)

		var value []byte
		if idx.cfg.StoreValue {
			value = append([]byte(nil), key...)
		}
		if err := idx.insert(db, hash, rn, value); err != nil {
			return err
		}
		if sc := db.scratch[idx.cfg.Name]; sc != nil {
			keyStr := scratchKey(key)
			sc.added[keyStr] = rn
			delete(sc.removed, keyStr)
		}
	}
	return nil
}

// indicesRemoveRow removes rn's current indexed keys from every index.
func (db *DB) indicesRemoveRow(rn Rownum) error {
	row, err := db.readRow(rn)
	if err != nil {
		return err
	}
	if row.Type != RowData {
		return nil
	}
	for _, idx := range db.indices {
		if err := idx.remove(rn); err != nil {
			return err
		}
		if sc := db.scratch[idx.cfg.Name]; sc != nil {
			key := db.indexedSlice(idx, row.Payload)
			keyStr := scratchKey(key)
			delete(sc.added, keyStr)
			sc.removed[keyStr] = true
		}
	}
	return nil
}

func (db *DB) indicesUpdateRowBefore(rn Rownum) error {
	return db.indicesRemoveRow(rn)
}

func (db *DB) indicesUpdateRowAfter(rn Rownum) error {
	return db.indicesAddRow(rn)
}

// Insert appends a new row with the given row_len-sized payload and
// returns its rownum.
func (db *DB) Insert(data []byte) (Rownum, error) {
	if len(data) != int(db.rowLen) {
		return 0, wrapErr(DataTooLarge, "payload length must equal row_len", ErrDataTooLarge)
	}

	var dst Rownum
	err := db.oneshot(func() error {
		dst = db.header.CmdNextRownum
		if err := db.checkUniqueForWrite(dst, data); err != nil {
			return err
		}
		_, err := db.appendCmdRow(RowCmdSet, dst, data)
		return err
	})
	if err != nil {
		return 0, err
	}
	return dst, nil
}

// Delete removes the row at rn.
func (db *DB) Delete(rn Rownum) error {
	return db.oneshot(func() error {
		_, err := db.appendCmdRow(RowCmdDelete, rn, nil)
		return err
	})
}

// Update overwrites data[rn][start:start+len(data)] in place.
func (db *DB) Update(rn Rownum, start uint16, data []byte) error {
	return db.oneshot(func() error {
		h := updateHeader{Start: start, Len: uint16(len(data))}
		if needsSplitUpdate(len(data), db.rowLen) {
			r1, err := db.appendCmdRow(RowCmdUpdate1, rn, nil)
			if err != nil {
				return err
			}
			hdrBuf := make([]byte, cmdUpdateHeaderSize)
			encodeUpdateHeader(hdrBuf, h)
			copy(db.rowBuf(r1)[storedRowHeaderSize:], hdrBuf)

			_, err = db.appendCmdRow(RowCmdUpdate2, rn, data)
			return err
		}

		payload := make([]byte, cmdUpdateHeaderSize+len(data))
		encodeUpdatePayload(payload, h, data)
		_, err := db.appendCmdRow(RowCmdUpdate, rn, payload)
		return err
	})
}

// Swap exchanges the stored contents of rows a and b.
func (db *DB) Swap(a, b Rownum) error {
	return db.oneshot(func() error {
		if _, err := db.appendCmdRow(RowCmdSwap1, a, nil); err != nil {
			return err
		}
		_, err := db.appendCmdRow(RowCmdSwap2, b, nil)
		return err
	})
}

// FindBy looks up rn by the indexed key in the named index.
func (db *DB) FindBy(indexName string, key []byte) (Rownum, bool, error) {
	idx, ok := db.indexByName[indexName]
	if !ok {
		return 0, false, wrapErr(IndexNotFound, fmt.Sprintf("index %q not found", indexName), ErrIndexNotFound)
	}
	hash := db.hashFor(idx, key)
	return idx.lookup(db, hash, func(candidate Rownum) (bool, error) {
		return db.rowMatchesKey(candidate, idx, key)
	})
}

// FindByPrimary looks up rn by the implicit primary unique index.
func (db *DB) FindByPrimary(key []byte) (Rownum, bool, error) {
	return db.FindBy(primaryIndexName, key)
}

// Scan returns a cursor over every live DATA row, in rownum order.
func (db *DB) Scan() *Cursor {
	return newScanCursor(db)
}

// ScanBy returns a cursor over every row whose indexed slice equals key
// in the named index (useful for non-unique indices with duplicates).
func (db *DB) ScanBy(indexName string, key []byte) (*Cursor, error) {
	idx, ok := db.indexByName[indexName]
	if !ok {
		return nil, wrapErr(IndexNotFound, fmt.Sprintf("index %q not found", indexName), ErrIndexNotFound)
	}
	hash := db.hashFor(idx, key)
	return newProbeCursor(db, idx, hash, func(candidate Rownum) (bool, error) {
		return db.rowMatchesKey(candidate, idx, key)
	}), nil
}

// Row returns a copy of rn's current payload, or RownumOutOfRange if rn
// does not hold a live DATA row.
func (db *DB) Row(rn Rownum) ([]byte, error) {
	row, err := db.readRow(rn)
	if err != nil {
		return nil, err
	}
	if row.Type != RowData {
		return nil, wrapErr(RownumOutOfRange, "rownum does not hold a live row", ErrRownumOutOfRange)
	}
	return append([]byte(nil), row.Payload...), nil
}
