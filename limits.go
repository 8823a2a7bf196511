package rydb

// Hardcoded implementation limits, kept small and fixed so header/bucket
// arithmetic stays safely inside the on-disk field widths the meta
// grammar commits to.
const (
	// maxRowLen is the largest payload a single row can carry. The meta
	// grammar's row_len field is a u16.
	maxRowLen = 0xFFFF

	// maxNameLen bounds index and link names (meta grammar: alphanum_64).
	maxNameLen = 64

	// maxIndices bounds the number of configured indices per database.
	maxIndices = 32

	// maxLinkPairs bounds the number of row-link name pairs stored in the
	// meta file.
	maxLinkPairs = 5

	// maxSubLevels bounds the depth of the incremental-rehash bit-level
	// stack.
	maxSubLevels = 33

	// defaultLoadFactorMax is used when a caller does not set one.
	defaultLoadFactorMax = 0.8

	// defaultMmapWindow is the initial mmap window size for new files, per
	// the file/mmap layer contract (default 8KiB, growable).
	defaultMmapWindow = 8 * 1024

	// rownumNull is the 0-valued sentinel meaning "no row".
	rownumNull Rownum = 0

	// rownumMax reserves headroom at the top of the 32-bit rownum space.
	rownumMax Rownum = ^Rownum(0) - 100

	// rownumInvalid is the all-ones "no such row" sentinel, distinct from
	// the null rownum. No code path currently produces or checks it.
	rownumInvalid Rownum = ^Rownum(0)

	// formatRevision is the on-disk format version. It changes only when
	// the binary layout changes, independent of a caller's own
	// database_revision.
	formatRevision uint16 = 1
)
