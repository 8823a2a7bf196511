package rydb

// cursorMode distinguishes a Cursor bound to a hashtable probe (all rows
// matching one indexed key, since a non-unique index can have
// duplicates) from one doing a linear scan of DATA rows.
type cursorMode int

const (
	cursorProbe cursorMode = iota
	cursorScan
)

// Cursor is a stateful iterator over query results. A probe cursor holds
// a back-pointer into its index (registered/unregistered via
// hashtableIndex.registerCursor) so that a rehash relocating the bucket
// it is positioned on keeps the cursor pointed at the same logical
// bucket instead of silently skipping or repeating rows.
type Cursor struct {
	db  *DB
	idx *hashtableIndex
	mode cursorMode

	hash    uint64
	match   matchFunc
	slot    uint64
	bits    uint8
	started bool
	done    bool

	scanRownum Rownum

	cur Rownum
	err error
}

// newProbeCursor starts a cursor over every bucket run matching hash
// across the index's current bit-level and any sub-levels still being
// lazily migrated, mirroring hashtableIndex.lookup's level walk but
// stopping at the first match per level call instead of continuing, so
// next() resumes from exactly where the previous call left off.
func newProbeCursor(db *DB, idx *hashtableIndex, hash uint64, match matchFunc) *Cursor {
	c := &Cursor{
		db:    db,
		idx:   idx,
		mode:  cursorProbe,
		hash:  truncateHash(hash),
		match: match,
		bits:  idx.header.TopBits,
	}
	c.slot = c.hash & ((uint64(1) << c.bits) - 1)
	idx.registerCursor(c)
	return c
}

func newScanCursor(db *DB) *Cursor {
	return &Cursor{db: db, mode: cursorScan, scanRownum: 1}
}

// Next advances the cursor and reports whether a row is available. Call
// Row/Rownum to read it.
func (c *Cursor) Next() bool {
	if c.done {
		return false
	}
	switch c.mode {
	case cursorProbe:
		return c.nextProbe()
	default:
		return c.nextScan()
	}
}

func (c *Cursor) nextProbe() bool {
	levels := append([]subLevel{{Bits: c.idx.header.TopBits}}, c.idx.header.Sub...)

	for {
		if c.slot >= c.idx.header.BucketCountTotal {
			if !c.advanceLevel(levels) {
				c.finish()
				return false
			}
			continue
		}

		b := c.idx.bucketAt(c.slot)
		if b.Empty() {
			if !c.advanceLevel(levels) {
				c.finish()
				return false
			}
			continue
		}

		matchesHash := !c.idx.cfg.StoreHash || b.Hash == c.hash
		c.slot++
		if !matchesHash {
			continue
		}

		ok, err := c.match(b.Rownum)
		if err != nil {
			c.err = err
			c.finish()
			return false
		}
		if ok {
			c.cur = b.Rownum
			return true
		}
	}
}

// advanceLevel moves from the current sub-level (if the run at this
// level ran out) to the next one down the levels list, recomputing the
// probe start slot. Returns false when levels are exhausted.
func (c *Cursor) advanceLevel(levels []subLevel) bool {
	for i, lvl := range levels {
		if lvl.Bits == c.bits {
			if i+1 >= len(levels) {
				return false
			}
			next := levels[i+1]
			c.bits = next.Bits
			c.slot = c.hash & ((uint64(1) << c.bits) - 1)
			return true
		}
	}
	return false
}

func (c *Cursor) nextScan() bool {
	for {
		if c.scanRownum >= c.db.header.DataNextRownum {
			c.finish()
			return false
		}
		rn := c.scanRownum
		c.scanRownum++

		row, err := c.db.readRow(rn)
		if err != nil {
			c.err = err
			c.finish()
			return false
		}
		if row.Type == RowData {
			c.cur = rn
			return true
		}
	}
}

func (c *Cursor) finish() {
	if c.idx != nil {
		c.idx.unregisterCursor(c)
	}
	c.done = true
}

// Rownum returns the row the cursor is currently positioned on. Valid
// only after Next returns true.
func (c *Cursor) Rownum() Rownum {
	return c.cur
}

// Err returns the first error encountered during iteration, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Close releases the cursor's back-pointer registration. Safe to call
// multiple times and after exhaustion.
func (c *Cursor) Close() {
	if !c.done {
		c.finish()
	}
}
