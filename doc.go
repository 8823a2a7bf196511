// Package rydb is an embedded, single-writer, fixed-row-length record
// store backed by memory-mapped files.
//
// rydb persists fixed-size rows plus hashtable secondary indices to disk
// and guarantees crash-safe, atomic multi-row modifications through an
// append-only command log that shares the data file with live rows.
//
// # Basic usage
//
//	db, err := rydb.Open(rydb.Config{
//	    Path:   "/tmp/mydb",
//	    Name:   "widgets",
//	    RowLen: 20,
//	    IDLen:  5,
//	})
//	if err != nil {
//	    // handle rydb.ErrFileInvalid / rydb.ErrConfigMismatch by recreating,
//	    // or rydb.ErrBusy (lock held by another process) by retrying
//	}
//	defer db.Close()
//
//	rownum, err := db.Insert([]byte("00001...padding...."))
//	found, ok, err := db.FindByPrimary([]byte("00001")) // found is a Rownum
//
// # Concurrency
//
// rydb uses a single-writer, single-process model: only one *DB handle
// for a given data file may mutate it at a time, enforced in-process by a
// registry keyed on device/inode and across processes by an advisory
// flock on a sidecar lock file. Reads take no lock and perform no retry;
// the data header's generation counter is bumped on every header write
// but is not consulted by readers.
//
// # Error handling
//
// Errors are never thrown as panics; every operation reports success or
// failure through a returned error and, for mutating operations, through
// a sticky typed *Error retrievable via DB.Err().
package rydb
