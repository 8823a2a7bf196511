package rydb

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, cfg Config) *DB {
	t.Helper()
	db, err := Open(cfg)
	require.NoError(t, err, "Open should succeed")
	t.Cleanup(func() { db.Close() })
	return db
}

func makeRow(rowLen int, id string) []byte {
	buf := make([]byte, rowLen)
	copy(buf, id)
	return buf
}

func TestInsertAndFindByPrimary(t *testing.T) {
	cfg := Config{Path: t.TempDir(), Name: "basic", RowLen: 32, IDLen: 8}
	db := newTestDB(t, cfg)

	row := makeRow(32, "alice123")
	rn, err := db.Insert(row)
	require.NoError(t, err, "Insert should succeed")
	require.NotEqual(t, RownumNull, rn, "Insert should return a non-null rownum")

	found, ok, err := db.FindByPrimary([]byte("alice123"))
	require.NoError(t, err, "FindByPrimary should succeed")
	require.True(t, ok, "FindByPrimary should find the inserted row")
	require.Equal(t, rn, found, "FindByPrimary should return the inserted rownum")

	got, err := db.Row(rn)
	require.NoError(t, err, "Row should succeed")
	require.Empty(t, cmp.Diff(row, got), "Row should return the stored payload")
}

func TestDuplicatePrimaryKeyRejected(t *testing.T) {
	cfg := Config{Path: t.TempDir(), Name: "dupcheck", RowLen: 16, IDLen: 8}
	db := newTestDB(t, cfg)

	row := makeRow(16, "dupe0001")
	_, err := db.Insert(row)
	require.NoError(t, err, "first Insert should succeed")

	_, err = db.Insert(row)
	require.ErrorIs(t, err, ErrNotUnique, "second Insert with a duplicate primary key should fail")
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	cfg := Config{Path: t.TempDir(), Name: "deltest", RowLen: 16, IDLen: 8}
	db := newTestDB(t, cfg)

	row := makeRow(16, "todelete")
	rn, err := db.Insert(row)
	require.NoError(t, err, "Insert should succeed")
	require.NoError(t, db.Delete(rn), "Delete should succeed")

	_, ok, err := db.FindByPrimary([]byte("todelete"))
	require.NoError(t, err, "FindByPrimary should succeed")
	require.False(t, ok, "row should be gone from the index after delete")
}

func TestUpdateInPlace(t *testing.T) {
	cfg := Config{Path: t.TempDir(), Name: "updtest", RowLen: 16, IDLen: 8}
	db := newTestDB(t, cfg)

	row := makeRow(16, "updateme")
	rn, err := db.Insert(row)
	require.NoError(t, err, "Insert should succeed")
	require.NoError(t, db.Update(rn, 8, []byte("XXXXXXXX")), "Update should succeed")

	got, err := db.Row(rn)
	require.NoError(t, err, "Row should succeed")
	want := append([]byte("updateme"), []byte("XXXXXXXX")...)
	require.Empty(t, cmp.Diff(want, got), "Row should reflect the partial update")
}

func TestSwapExchangesRows(t *testing.T) {
	cfg := Config{Path: t.TempDir(), Name: "swaptest", RowLen: 16, IDLen: 8}
	db := newTestDB(t, cfg)

	rnA, err := db.Insert(makeRow(16, "rowaaaaa"))
	require.NoError(t, err, "Insert(a) should succeed")
	rnB, err := db.Insert(makeRow(16, "rowbbbbb"))
	require.NoError(t, err, "Insert(b) should succeed")

	require.NoError(t, db.Swap(rnA, rnB), "Swap should succeed")

	gotA, err := db.Row(rnA)
	require.NoError(t, err, "Row(a) should succeed")
	gotB, err := db.Row(rnB)
	require.NoError(t, err, "Row(b) should succeed")
	require.Empty(t, cmp.Diff(makeRow(16, "rowbbbbb"), gotA), "row a should hold row b's former contents")
	require.Empty(t, cmp.Diff(makeRow(16, "rowaaaaa"), gotB), "row b should hold row a's former contents")
}

func TestReopenRecoversCommittedData(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Path: dir, Name: "reopen", RowLen: 16, IDLen: 8}

	db := newTestDB(t, cfg)
	rn, err := db.Insert(makeRow(16, "survives"))
	require.NoError(t, err, "Insert should succeed")
	require.NoError(t, db.Close(), "Close should succeed")

	db2, err := Open(cfg)
	require.NoError(t, err, "reopen should succeed")
	defer db2.Close()

	got, err := db2.Row(rn)
	require.NoError(t, err, "Row after reopen should succeed")
	require.Empty(t, cmp.Diff(makeRow(16, "survives"), got), "committed row should survive a reopen")
}

func TestOpenRejectsConflictingConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Path: dir, Name: "conflict", RowLen: 16, IDLen: 8}

	db, err := Open(cfg)
	require.NoError(t, err, "first Open should succeed")
	require.NoError(t, db.Close(), "Close should succeed")

	cfg2 := cfg
	cfg2.RowLen = 32
	_, err = Open(cfg2)
	require.ErrorIs(t, err, ErrConfigMismatch, "Open with a different row_len should fail")
}

func TestScanVisitsAllLiveRows(t *testing.T) {
	cfg := Config{Path: t.TempDir(), Name: "scantest", RowLen: 16, IDLen: 8}
	db := newTestDB(t, cfg)

	ids := []string{"scanone0", "scantwo0", "scanthre"}
	for _, id := range ids {
		_, err := db.Insert(makeRow(16, id))
		require.NoError(t, err, "Insert(%q) should succeed", id)
	}

	count := 0
	c := db.Scan()
	for c.Next() {
		count++
	}
	require.NoError(t, c.Err(), "scan should not error")
	require.Equal(t, len(ids), count, "scan should visit every live row")
}

func TestExplicitTransactionDuplicateKeyRejected(t *testing.T) {
	cfg := Config{Path: t.TempDir(), Name: "txndupe", RowLen: 16, IDLen: 8}
	db := newTestDB(t, cfg)

	txn, err := db.Begin()
	require.NoError(t, err, "Begin should succeed")

	row := makeRow(16, "ABC00000")
	_, err = txn.Insert(row)
	require.NoError(t, err, "first Insert in the open transaction should succeed")

	_, err = txn.Insert(row)
	require.NoError(t, err, "second Insert only appends a pending CMD_SET; the collision is caught when it is reduced")

	err = txn.Commit()
	require.ErrorIs(t, err, ErrNotUnique, "committing two SETs of the same key in one transaction must fail NOT_UNIQUE")

	_, ok, err := db.FindByPrimary([]byte("ABC00000"))
	require.NoError(t, err, "FindByPrimary should succeed")
	require.True(t, ok, "the first SET reduced successfully before the second one failed")
}

func TestExplicitTransactionUncommittedWorkDiscardedOnRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Path: dir, Name: "crashtest", RowLen: 16, IDLen: 8}

	db := newTestDB(t, cfg)
	rnA, err := db.Insert(makeRow(16, "rowaaaaa"))
	require.NoError(t, err, "Insert(a) should succeed")
	rnB, err := db.Insert(makeRow(16, "rowbbbbb"))
	require.NoError(t, err, "Insert(b) should succeed")
	rnC, err := db.Insert(makeRow(16, "rowccccc"))
	require.NoError(t, err, "Insert(c) should succeed")

	txn, err := db.Begin()
	require.NoError(t, err, "Begin should succeed")
	require.NoError(t, txn.Swap(rnA, rnB), "Swap should append SWAP1/SWAP2 without committing")
	require.NoError(t, txn.Delete(rnC), "Delete should append CMD_DELETE without committing")
	require.Greater(t, db.header.CmdNextRownum, db.header.DataNextRownum, "pending commands should be queued ahead of data_next_rownum")

	// Simulate a crash right after the pending-command pointer reached
	// disk but before CMD_COMMIT was ever appended: no Commit/Cancel call,
	// just abandon the handle.
	require.NoError(t, db.flushDataHeader(), "persist the advanced command pointer as if a crash followed immediately")
	require.NoError(t, db.Close(), "Close should succeed")

	db2, err := Open(cfg)
	require.NoError(t, err, "reopening after a crash mid-transaction should succeed")
	defer db2.Close()

	gotA, err := db2.Row(rnA)
	require.NoError(t, err, "Row(a) should succeed")
	gotB, err := db2.Row(rnB)
	require.NoError(t, err, "Row(b) should succeed")
	require.Empty(t, cmp.Diff(makeRow(16, "rowaaaaa"), gotA), "uncommitted swap must not have applied")
	require.Empty(t, cmp.Diff(makeRow(16, "rowbbbbb"), gotB), "uncommitted swap must not have applied")

	gotC, err := db2.Row(rnC)
	require.NoError(t, err, "Row(c) should succeed")
	require.Empty(t, cmp.Diff(makeRow(16, "rowccccc"), gotC), "uncommitted delete must not have applied")
}

func TestHashtableRemoveUnderIncrementalRehashUpdatesSubLevel(t *testing.T) {
	cfg := Config{
		Path: t.TempDir(), Name: "increm", RowLen: 16, IDLen: 8,
		Indices: []IndexConfig{
			{
				Name: "byVal", Type: IndexHashtable, Start: 8, Len: 8,
				HashFunction:  HashIdentity,
				StoreHash:     true,
				LoadFactorMax: 0.8,
				RehashFlags:   RehashIncrementalOnWrite,
			},
		},
	}
	db := newTestDB(t, cfg)

	ids := []string{"idxval00", "idxval01", "idxval02", "idxval03", "idxval04"}
	rns := make([]Rownum, len(ids))
	for i, id := range ids {
		row := makeRow(16, id)
		binary.LittleEndian.PutUint64(row[8:16], uint64(i))
		rn, err := db.Insert(row)
		require.NoError(t, err, "Insert(%d) should succeed", i)
		rns[i] = rn
	}

	idx := db.indexByName["byVal"]
	require.NoError(t, db.growIndex(idx), "forcing an incremental grow should succeed")
	require.Len(t, idx.header.Sub, 1, "grow should push exactly one sub-level")
	require.EqualValues(t, 0, idx.header.TopCount, "no bucket is tagged at the new top level yet")

	require.NoError(t, db.Delete(rns[2]), "removing a bucket still on the stale sub-level should succeed")

	sum := idx.header.TopCount
	for _, s := range idx.header.Sub {
		sum += s.Count
	}
	require.Equal(t, idx.header.BucketCountUsed, sum, "top.count + sum(sub.count) must equal bucket_count_used")
}
