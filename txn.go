package rydb

import "encoding/hex"

// uniqueScratch holds the keys a still-open transaction has tentatively
// added to or removed from one unique index, consulted alongside the
// committed index state when checking uniqueness mid-transaction. Keys
// are the raw indexed byte range, hex-encoded so they can be Go map keys.
type uniqueScratch struct {
	added   map[string]Rownum
	removed map[string]bool
}

func newUniqueScratch() *uniqueScratch {
	return &uniqueScratch{added: map[string]Rownum{}, removed: map[string]bool{}}
}

func scratchKey(b []byte) string {
	return hex.EncodeToString(b)
}

// Txn is an explicit, caller-held transaction opened by DB.Begin. Every
// mutating DB method appended through it joins the same command range:
// none of them commits on its own, so several writes land together (or
// are discarded together) when the caller calls Commit or Cancel.
type Txn struct {
	db *DB
}

// Begin opens an explicit transaction. DB.Insert/Update/Delete/Swap,
// called on db while a Txn is open, each append their command rows to
// it instead of opening and committing their own single-command
// transaction (see oneshot below) — Txn's methods are thin wrappers
// around the same calls for callers who'd rather go through the
// transaction handle than the db handle directly.
func (db *DB) Begin() (*Txn, error) {
	if err := db.beginTransaction(); err != nil {
		return nil, db.setErr(err)
	}
	return &Txn{db: db}, nil
}

// Insert appends a CMD_SET to the open transaction. See DB.Insert.
func (t *Txn) Insert(data []byte) (Rownum, error) {
	return t.db.Insert(data)
}

// Delete appends a CMD_DELETE to the open transaction. See DB.Delete.
func (t *Txn) Delete(rn Rownum) error {
	return t.db.Delete(rn)
}

// Update appends a CMD_UPDATE (or CMD_UPDATE1/CMD_UPDATE2 pair) to the
// open transaction. See DB.Update.
func (t *Txn) Update(rn Rownum, start uint16, data []byte) error {
	return t.db.Update(rn, start, data)
}

// Swap appends a CMD_SWAP1/CMD_SWAP2 pair to the open transaction. See
// DB.Swap.
func (t *Txn) Swap(a, b Rownum) error {
	return t.db.Swap(a, b)
}

// Commit appends CMD_COMMIT and runs the reducer over every command
// appended since Begin.
func (t *Txn) Commit() error {
	return t.db.setErr(t.db.finishTransaction())
}

// Cancel discards every command appended since Begin without running
// the reducer.
func (t *Txn) Cancel() error {
	return t.db.setErr(t.db.cancelTransaction())
}

// beginTransaction marks a transaction active and captures the rownum
// boundary between committed data rows and the pending command log.
func (db *DB) beginTransaction() error {
	if db.txnActive {
		return wrapErr(TransactionActive, "transaction already active", ErrTransactionActive)
	}
	db.txnActive = true
	db.txnFirstCmdRownum = db.header.DataNextRownum
	db.scratch = map[string]*uniqueScratch{}
	for _, idx := range db.indices {
		if idx.cfg.Unique {
			db.scratch[idx.cfg.Name] = newUniqueScratch()
		}
	}
	return nil
}

// appendCmdRow allocates the next command-log row, writes its header and
// payload, and returns its rownum.
func (db *DB) appendCmdRow(typ RowType, target Rownum, payload []byte) (Rownum, error) {
	if !db.txnActive {
		return 0, wrapErr(TransactionInactive, "no active transaction", ErrTransactionInactive)
	}
	rn := db.header.CmdNextRownum
	if err := db.ensureRowCapacity(rn); err != nil {
		return 0, err
	}
	buf := db.rowBuf(rn)
	encodeStoredRowHeader(buf, typ, target)
	if payload != nil {
		copy(buf[storedRowHeaderSize:], payload)
	}
	db.header.CmdNextRownum++
	return rn, nil
}

// cancelTransaction discards every pending command row without running
// the reducer, per the state machine's "cancel" edge.
func (db *DB) cancelTransaction() error {
	if !db.txnActive {
		return wrapErr(TransactionInactive, "no active transaction", ErrTransactionInactive)
	}
	for rn := db.header.CmdNextRownum; rn > db.header.DataNextRownum; rn-- {
		buf := db.rowBuf(rn - 1)
		buf[0] = byte(RowEmpty)
	}
	db.header.CmdNextRownum = db.header.DataNextRownum
	db.txnActive = false
	db.scratch = nil
	return db.flushDataHeader()
}

// finishTransaction appends CMD_COMMIT, runs the reducer over the
// pending command range, and returns to the idle state.
func (db *DB) finishTransaction() error {
	if !db.txnActive {
		return wrapErr(TransactionInactive, "no active transaction", ErrTransactionInactive)
	}
	commitRn, err := db.appendCmdRow(RowCmdCommit, RownumNull, nil)
	if err != nil {
		return err
	}
	if err := db.flushDataHeader(); err != nil {
		return err
	}

	if err := db.runReducer(db.txnFirstCmdRownum, commitRn); err != nil {
		db.txnActive = false
		db.scratch = nil
		return err
	}

	db.txnActive = false
	db.scratch = nil
	db.header.CmdNextRownum = db.header.DataNextRownum
	return db.flushDataHeader()
}

// oneshot wraps a single operation in its own transaction: insert,
// delete, update and swap each open an implicit transaction when none is
// already active, and cancel it on failure rather than leaving a
// half-applied command range behind. When a Txn is already open (see
// Begin), fn just joins its command range: no implicit begin, no
// implicit commit or cancel, since the caller owns that decision.
func (db *DB) oneshot(fn func() error) error {
	alreadyActive := db.txnActive
	if !alreadyActive {
		if err := db.beginTransaction(); err != nil {
			return db.setErr(err)
		}
	}
	if err := fn(); err != nil {
		if !alreadyActive {
			_ = db.cancelTransaction()
		}
		return db.setErr(err)
	}
	if !alreadyActive {
		return db.setErr(db.finishTransaction())
	}
	return nil
}

// runReducer walks the command range [first, commitRn] in rownum order,
// dispatching each command row per its type. The last row in the range
// must be CMD_COMMIT or the whole range is refused outright (the
// "refusal rule": a crash before COMMIT leaves an unreplayable,
// discardable log).
func (db *DB) runReducer(first, commitRn Rownum) error {
	lastType, err := db.rowType(commitRn)
	if err != nil {
		return err
	}
	if lastType != RowCmdCommit {
		return wrapErr(TransactionIncomplete, "command range does not end in CMD_COMMIT", ErrTransactionIncomplete)
	}

	rn := first
	for rn <= commitRn {
		typ, err := db.rowType(rn)
		if err != nil {
			return err
		}

		switch typ {
		case RowEmpty:
			rn++
		case RowCmdSet:
			if err := db.reduceSet(rn); err != nil {
				return err
			}
			rn++
		case RowCmdUpdate:
			if err := db.reduceUpdate(rn); err != nil {
				return err
			}
			rn++
		case RowCmdUpdate1:
			if rn+1 > commitRn {
				return wrapErr(TransactionFailed, "CMD_UPDATE1 missing its CMD_UPDATE2 pair", ErrTransactionFailed)
			}
			nextTyp, err := db.rowType(rn + 1)
			if err != nil {
				return err
			}
			if nextTyp != RowCmdUpdate2 {
				db.setRowType(rn, RowEmpty)
				db.setRowType(rn+1, RowEmpty)
				return wrapErr(TransactionFailed, "CMD_UPDATE1 not followed by CMD_UPDATE2", ErrTransactionFailed)
			}
			if err := db.reduceUpdatePair(rn, rn+1); err != nil {
				return err
			}
			rn += 2
		case RowCmdUpdate2:
			return wrapErr(TransactionFailed, "unpaired CMD_UPDATE2", ErrTransactionFailed)
		case RowCmdDelete:
			if err := db.reduceDelete(rn); err != nil {
				return err
			}
			rn++
		case RowCmdSwap1:
			if rn+1 > commitRn {
				return wrapErr(TransactionFailed, "CMD_SWAP1 missing its CMD_SWAP2 pair", ErrTransactionFailed)
			}
			nextTyp, err := db.rowType(rn + 1)
			if err != nil {
				return err
			}
			if nextTyp != RowCmdSwap2 {
				return wrapErr(TransactionFailed, "CMD_SWAP1 not followed by CMD_SWAP2", ErrTransactionFailed)
			}
			if err := db.reduceSwapPair(rn, rn+1); err != nil {
				return err
			}
			rn += 2
		case RowCmdSwap2:
			return wrapErr(TransactionFailed, "unpaired CMD_SWAP2", ErrTransactionFailed)
		case RowCmdCommit:
			if rn != commitRn {
				return wrapErr(TransactionFailed, "embedded CMD_COMMIT before end of range", ErrTransactionFailed)
			}
			db.setRowType(rn, RowEmpty)
			rn++
		default:
			return wrapErr(FileInvalid, "unknown row type in command range", ErrFileInvalid)
		}
	}
	return nil
}

// reduceSet implements the CMD_SET reducer step.
func (db *DB) reduceSet(cmdRn Rownum) error {
	cmd, err := db.readRow(cmdRn)
	if err != nil {
		return err
	}
	dst := cmd.TargetRownum
	if dst == RownumNull || dst > cmdRn {
		return wrapErr(RownumOutOfRange, "CMD_SET target out of range", ErrRownumOutOfRange)
	}

	dstRow, err := db.readRow(dst)
	if err != nil {
		return err
	}
	if dst != cmdRn && dstRow.Type == RowData {
		if err := db.indicesRemoveRow(dst); err != nil {
			return err
		}
	}

	if err := db.checkUniqueForWrite(dst, cmd.Payload); err != nil {
		return err
	}

	buf := db.rowBuf(dst)
	copy(buf[storedRowHeaderSize:], cmd.Payload)
	db.setRowType(dst, RowData)
	if dst != cmdRn {
		db.setRowType(cmdRn, RowEmpty)
	}

	if dst >= db.header.DataNextRownum {
		db.header.DataNextRownum = dst + 1
	}

	return db.indicesAddRow(dst)
}

// reduceUpdate implements the single-row CMD_UPDATE reducer step.
func (db *DB) reduceUpdate(cmdRn Rownum) error {
	cmd, err := db.readRow(cmdRn)
	if err != nil {
		return err
	}
	h, data := decodeUpdatePayload(cmd.Payload)
	return db.applyUpdate(cmdRn, cmd.TargetRownum, h, data)
}

// reduceUpdatePair implements the paired CMD_UPDATE1/CMD_UPDATE2 step.
func (db *DB) reduceUpdatePair(r1, r2 Rownum) error {
	row1, err := db.readRow(r1)
	if err != nil {
		return err
	}
	row2, err := db.readRow(r2)
	if err != nil {
		return err
	}
	h := decodeUpdateHeader(row1.Payload)
	data := row2.Payload[:h.Len]
	if err := db.applyUpdate(r2, row1.TargetRownum, h, data); err != nil {
		return err
	}
	db.setRowType(r1, RowEmpty)
	return nil
}

func (db *DB) applyUpdate(cmdRn, dst Rownum, h updateHeader, data []byte) error {
	if dst == RownumNull || int(h.Start)+int(h.Len) > int(db.rowLen) {
		return wrapErr(RownumOutOfRange, "CMD_UPDATE target/range invalid", ErrRownumOutOfRange)
	}

	if err := db.indicesUpdateRowBefore(dst); err != nil {
		return err
	}

	buf := db.rowBuf(dst)
	copy(buf[storedRowHeaderSize+int64(h.Start):storedRowHeaderSize+int64(h.Start)+int64(h.Len)], data)

	if err := db.indicesUpdateRowAfter(dst); err != nil {
		return err
	}
	db.setRowType(cmdRn, RowEmpty)
	return nil
}

// reduceDelete implements the CMD_DELETE reducer step, including the
// downward compaction of data_next_rownum over trailing EMPTY rows.
func (db *DB) reduceDelete(cmdRn Rownum) error {
	cmd, err := db.readRow(cmdRn)
	if err != nil {
		return err
	}
	return db.deleteRowAndCompact(cmdRn, cmd.TargetRownum)
}

func (db *DB) deleteRowAndCompact(cmdRn, dst Rownum) error {
	if dst == RownumNull {
		return wrapErr(RownumOutOfRange, "CMD_DELETE target invalid", ErrRownumOutOfRange)
	}
	if err := db.indicesRemoveRow(dst); err != nil {
		return err
	}
	db.setRowType(dst, RowEmpty)
	if cmdRn != RownumNull {
		db.setRowType(cmdRn, RowEmpty)
	}
	return db.compactTrailingEmpty()
}

// compactTrailingEmpty walks data_next_rownum back over EMPTY rows.
func (db *DB) compactTrailingEmpty() error {
	for db.header.DataNextRownum > 1 {
		candidate := db.header.DataNextRownum - 1
		typ, err := db.rowType(candidate)
		if err != nil {
			return err
		}
		if typ != RowEmpty {
			break
		}
		db.header.DataNextRownum = candidate
	}
	return nil
}

// reduceSwapPair implements the CMD_SWAP1+CMD_SWAP2 reducer pair.
//
// SWAP2 is turned into a CMD_SET or CMD_DELETE leg (capturing SWAP1's
// target row's current bytes), then the SWAP1 side performs a raw copy
// of SWAP2's target row into SWAP1's target row, removing that row's old
// index entries and adding its new ones, and finally the CMD_SET/
// CMD_DELETE leg runs against SWAP2's target with the same index
// bookkeeping, so each destination's index entries are updated once.
func (db *DB) reduceSwapPair(r1, r2 Rownum) error {
	row1, err := db.readRow(r1)
	if err != nil {
		return err
	}
	row2, err := db.readRow(r2)
	if err != nil {
		return err
	}

	a := row1.TargetRownum // SWAP1's target
	b := row2.TargetRownum // SWAP2's target

	srcA, err := db.readRow(a)
	if err != nil {
		return err
	}
	dstB, err := db.readRow(b)
	if err != nil {
		return err
	}
	if dstB.Type != RowEmpty && dstB.Type != RowData {
		return wrapErr(TransactionFailed, "CMD_SWAP2 destination is not EMPTY or DATA", ErrTransactionFailed)
	}

	var r2NewType RowType
	var r2Payload []byte
	if srcA.Type == RowData {
		r2NewType = RowCmdSet
		r2Payload = append([]byte(nil), srcA.Payload...)
	} else {
		r2NewType = RowCmdDelete
	}

	// Raw copy of b's current stored bytes into a (SWAP1's direct leg):
	// a's old keys are removed from the indices and its new keys added.
	if dstB.Type == RowData {
		if err := db.indicesRemoveRow(a); err != nil && srcA.Type == RowData {
			return err
		}
		srcBuf := db.rowBuf(b)
		dstBuf := db.rowBuf(a)
		copy(dstBuf, srcBuf)
		db.setRowType(a, RowData)
		if err := db.indicesAddRow(a); err != nil {
			return err
		}
	} else {
		if srcA.Type == RowData {
			if err := db.indicesRemoveRow(a); err != nil {
				return err
			}
		}
		db.setRowType(a, RowEmpty)
	}
	db.setRowType(r1, RowEmpty)

	// Rewritten CMD_SET/CMD_DELETE leg targeting b.
	switch r2NewType {
	case RowCmdSet:
		if err := db.checkUniqueForWrite(b, r2Payload); err != nil {
			return err
		}
		if dstB.Type == RowData {
			if err := db.indicesRemoveRow(b); err != nil {
				return err
			}
		}
		buf := db.rowBuf(b)
		copy(buf[storedRowHeaderSize:], r2Payload)
		db.setRowType(b, RowData)
		if b >= db.header.DataNextRownum {
			db.header.DataNextRownum = b + 1
		}
		if err := db.indicesAddRow(b); err != nil {
			return err
		}
	case RowCmdDelete:
		if dstB.Type == RowData {
			if err := db.indicesRemoveRow(b); err != nil {
				return err
			}
		}
		db.setRowType(b, RowEmpty)
	}
	db.setRowType(r2, RowEmpty)

	return db.compactTrailingEmpty()
}
