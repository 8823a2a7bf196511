package rydb

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	natomic "github.com/natefinch/atomic"
)

// metaMagic is the fixed first line of every meta file.
const metaMagic = "--- #rydb"

// metaDoc is the fully parsed contents of a rydb.{name}.meta file: every
// key the text grammar names, in persisted form.
type metaDoc struct {
	FormatRevision   uint16
	DatabaseRevision uint16
	Endianness       string
	StartOffset      uint64
	TypeOffset       uint64
	ReservedOffset   uint64
	DataOffset       uint64
	RownumWidth      uint8
	HashKeyHex       string
	HashKeyQuality   uint8
	RowLen           uint16
	IDLen            uint16
	Indices          []metaIndex
	LinkPairs        []LinkPair
}

type metaIndex struct {
	Name                string
	Type                string
	Start               uint16
	Len                 uint16
	Unique              uint8
	HashFunction        string
	StoreValue          uint8
	StoreHash           uint8
	CollisionResolution uint8
	RehashFlags         uint8
	LoadFactorMax       float64
}

// rowLayoutOffsets are the fixed field offsets within a stored row
// implied by row.go's layout: type tag first, then 3 reserved bytes,
// then the 4-byte target rownum, then the payload. start_offset names
// the offset of the target-rownum field, the first payload-adjacent
// field.
const (
	rowLayoutTypeOffset     = 0
	rowLayoutReservedOffset = 1
	rowLayoutStartOffset    = 4
	rowLayoutDataOffset     = storedRowHeaderSize
)

func newMetaDoc(c Config) metaDoc {
	indices := c.withPrimaryIndex()
	mi := make([]metaIndex, len(indices))
	for i, idx := range indices {
		mi[i] = metaIndex{
			Name:                idx.Name,
			Type:                "hashtable",
			Start:               idx.Start,
			Len:                 idx.Len,
			Unique:              boolToU8(idx.Unique),
			HashFunction:        idx.HashFunction.metaString(),
			StoreValue:          boolToU8(idx.StoreValue),
			StoreHash:           boolToU8(idx.StoreHash),
			CollisionResolution: uint8(idx.CollisionResolution),
			RehashFlags:         idx.RehashFlags,
			LoadFactorMax:       idx.LoadFactorMax,
		}
	}

	endianness := c.Endianness
	if endianness == "" {
		endianness = "little"
	}

	return metaDoc{
		FormatRevision:   formatRevision,
		DatabaseRevision: c.DatabaseRevision,
		Endianness:       endianness,
		StartOffset:      rowLayoutStartOffset,
		TypeOffset:       rowLayoutTypeOffset,
		ReservedOffset:   rowLayoutReservedOffset,
		DataOffset:       rowLayoutDataOffset,
		RownumWidth:      4,
		HashKeyHex:       hex.EncodeToString(c.HashKey[:]),
		HashKeyQuality:   c.HashKeyQuality,
		RowLen:           c.RowLen,
		IDLen:            c.IDLen,
		Indices:          mi,
		LinkPairs:        c.LinkPairs,
	}
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// marshalMeta renders a metaDoc to the meta file's text grammar.
func marshalMeta(d metaDoc) []byte {
	var b bytes.Buffer

	fmt.Fprintln(&b, metaMagic)
	fmt.Fprintf(&b, "format_revision: %d\n", d.FormatRevision)
	fmt.Fprintf(&b, "database_revision: %d\n", d.DatabaseRevision)
	fmt.Fprintf(&b, "endianness: %q\n", d.Endianness)
	fmt.Fprintf(&b, "start_offset: %d\n", d.StartOffset)
	fmt.Fprintf(&b, "type_offset: %d\n", d.TypeOffset)
	fmt.Fprintf(&b, "reserved_offset: %d\n", d.ReservedOffset)
	fmt.Fprintf(&b, "data_offset: %d\n", d.DataOffset)
	fmt.Fprintf(&b, "rownum_width: %d\n", d.RownumWidth)
	fmt.Fprintf(&b, "hash_key: %s\n", d.HashKeyHex)
	fmt.Fprintf(&b, "hash_key_quality: %d\n", d.HashKeyQuality)
	fmt.Fprintf(&b, "row_len: %d\n", d.RowLen)
	fmt.Fprintf(&b, "id_len: %d\n", d.IDLen)
	fmt.Fprintf(&b, "index_count: %d\n", len(d.Indices))

	if len(d.Indices) > 0 {
		fmt.Fprintln(&b, "index:")
		for _, idx := range d.Indices {
			fmt.Fprintf(&b, "  - name: %s\n", idx.Name)
			fmt.Fprintf(&b, "    type: %q\n", idx.Type)
			fmt.Fprintf(&b, "    start: %d\n", idx.Start)
			fmt.Fprintf(&b, "    len: %d\n", idx.Len)
			fmt.Fprintf(&b, "    unique: %d\n", idx.Unique)
			fmt.Fprintf(&b, "    hash_function: %q\n", idx.HashFunction)
			fmt.Fprintf(&b, "    store_value: %d\n", idx.StoreValue)
			fmt.Fprintf(&b, "    store_hash: %d\n", idx.StoreHash)
			fmt.Fprintf(&b, "    collision_resolution: %d\n", idx.CollisionResolution)
			fmt.Fprintf(&b, "    rehash_flags: %d\n", idx.RehashFlags)
			fmt.Fprintf(&b, "    load_factor_max: %g\n", idx.LoadFactorMax)
		}
	}

	fmt.Fprintf(&b, "link_pair_count: %d\n", len(d.LinkPairs))
	if len(d.LinkPairs) > 0 {
		fmt.Fprintln(&b, "link_pair:")
		for _, lp := range d.LinkPairs {
			fmt.Fprintf(&b, "  - [ %s , %s ]\n", lp.Name, lp.ReverseName)
		}
	}

	return b.Bytes()
}

// unmarshalMeta parses the meta file's text grammar. It reports
// ErrFileInvalid on any syntactic mismatch or out-of-range value.
func unmarshalMeta(data []byte) (metaDoc, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return metaDoc{}, wrapErr(FileInvalid, "empty meta file", ErrFileInvalid)
	}
	if strings.TrimRight(scanner.Text(), "\r") != metaMagic {
		return metaDoc{}, wrapErr(FileInvalid, "missing meta magic line", ErrFileInvalid)
	}

	var d metaDoc
	lines := remainingLines(scanner)
	i := 0

	readKV := func(key string) (string, error) {
		if i >= len(lines) {
			return "", wrapErr(FileInvalid, fmt.Sprintf("expected key %q, got EOF", key), ErrFileInvalid)
		}
		line := lines[i]
		prefix := key + ": "
		if !strings.HasPrefix(line, prefix) {
			return "", wrapErr(FileInvalid, fmt.Sprintf("expected key %q, got %q", key, line), ErrFileInvalid)
		}
		i++
		return strings.TrimSpace(line[len(prefix):]), nil
	}

	readUint := func(key string, bitSize int) (uint64, error) {
		v, err := readKV(key)
		if err != nil {
			return 0, err
		}
		n, perr := strconv.ParseUint(v, 10, bitSize)
		if perr != nil {
			return 0, wrapErr(FileInvalid, fmt.Sprintf("key %q: invalid integer %q", key, v), ErrFileInvalid)
		}
		return n, nil
	}

	readQuoted := func(key string) (string, error) {
		v, err := readKV(key)
		if err != nil {
			return "", err
		}
		s, uerr := strconv.Unquote(v)
		if uerr != nil {
			return "", wrapErr(FileInvalid, fmt.Sprintf("key %q: invalid quoted string %q", key, v), ErrFileInvalid)
		}
		return s, nil
	}

	var err error
	var u uint64

	if u, err = readUint("format_revision", 16); err != nil {
		return metaDoc{}, err
	}
	d.FormatRevision = uint16(u)

	if u, err = readUint("database_revision", 16); err != nil {
		return metaDoc{}, err
	}
	d.DatabaseRevision = uint16(u)

	if d.Endianness, err = readQuoted("endianness"); err != nil {
		return metaDoc{}, err
	}
	if d.Endianness != "little" && d.Endianness != "big" {
		return metaDoc{}, wrapErr(FileInvalid, fmt.Sprintf("invalid endianness %q", d.Endianness), ErrFileInvalid)
	}

	if d.StartOffset, err = readUint("start_offset", 64); err != nil {
		return metaDoc{}, err
	}
	if d.TypeOffset, err = readUint("type_offset", 64); err != nil {
		return metaDoc{}, err
	}
	if d.ReservedOffset, err = readUint("reserved_offset", 64); err != nil {
		return metaDoc{}, err
	}
	if d.DataOffset, err = readUint("data_offset", 64); err != nil {
		return metaDoc{}, err
	}

	if u, err = readUint("rownum_width", 8); err != nil {
		return metaDoc{}, err
	}
	d.RownumWidth = uint8(u)
	if d.RownumWidth != 2 && d.RownumWidth != 4 && d.RownumWidth != 8 {
		return metaDoc{}, wrapErr(FileInvalid, fmt.Sprintf("invalid rownum_width %d", d.RownumWidth), ErrFileInvalid)
	}

	if d.HashKeyHex, err = readKV("hash_key"); err != nil {
		return metaDoc{}, err
	}
	if len(d.HashKeyHex) != 32 {
		return metaDoc{}, wrapErr(FileInvalid, "hash_key must be 32 hex chars", ErrFileInvalid)
	}
	if _, derr := hex.DecodeString(d.HashKeyHex); derr != nil {
		return metaDoc{}, wrapErr(FileInvalid, "hash_key is not valid hex", ErrFileInvalid)
	}

	if u, err = readUint("hash_key_quality", 8); err != nil {
		return metaDoc{}, err
	}
	d.HashKeyQuality = uint8(u)
	if d.HashKeyQuality > 2 {
		return metaDoc{}, wrapErr(FileInvalid, "hash_key_quality must be 0..2", ErrFileInvalid)
	}

	if u, err = readUint("row_len", 16); err != nil {
		return metaDoc{}, err
	}
	d.RowLen = uint16(u)

	if u, err = readUint("id_len", 16); err != nil {
		return metaDoc{}, err
	}
	d.IDLen = uint16(u)

	var indexCount uint64
	if indexCount, err = readUint("index_count", 16); err != nil {
		return metaDoc{}, err
	}

	if indexCount > 0 {
		if i >= len(lines) || lines[i] != "index:" {
			return metaDoc{}, wrapErr(FileInvalid, "expected index: block", ErrFileInvalid)
		}
		i++

		for n := uint64(0); n < indexCount; n++ {
			idx, consumed, ierr := parseMetaIndex(lines[i:])
			if ierr != nil {
				return metaDoc{}, ierr
			}
			d.Indices = append(d.Indices, idx)
			i += consumed
		}
	}

	var linkCount uint64
	if linkCount, err = readUint("link_pair_count", 16); err != nil {
		return metaDoc{}, err
	}

	if linkCount > 0 {
		if i >= len(lines) || lines[i] != "link_pair:" {
			return metaDoc{}, wrapErr(FileInvalid, "expected link_pair: block", ErrFileInvalid)
		}
		i++

		for n := uint64(0); n < linkCount; n++ {
			if i >= len(lines) {
				return metaDoc{}, wrapErr(FileInvalid, "truncated link_pair list", ErrFileInvalid)
			}
			lp, perr := parseLinkPairLine(lines[i])
			if perr != nil {
				return metaDoc{}, perr
			}
			d.LinkPairs = append(d.LinkPairs, lp)
			i++
		}
	}

	return d, nil
}

func remainingLines(scanner *bufio.Scanner) []string {
	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	return lines
}

// parseMetaIndex parses one "  - name: ..." item plus its indented
// sub-keys, returning the number of lines consumed.
func parseMetaIndex(lines []string) (metaIndex, int, error) {
	var idx metaIndex
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "  - name: ") {
		return idx, 0, wrapErr(FileInvalid, "expected index list item", ErrFileInvalid)
	}
	idx.Name = strings.TrimSpace(strings.TrimPrefix(lines[0], "  - name: "))
	if !isAlphanumName(idx.Name) {
		return idx, 0, wrapErr(FileInvalid, fmt.Sprintf("invalid index name %q", idx.Name), ErrFileInvalid)
	}

	fields := map[string]string{}
	n := 1
	for n < len(lines) {
		line := lines[n]
		if strings.HasPrefix(line, "  - ") || line == "]" || !strings.HasPrefix(line, "    ") {
			break
		}
		kv := strings.SplitN(strings.TrimSpace(line), ": ", 2)
		if len(kv) != 2 {
			return idx, 0, wrapErr(FileInvalid, fmt.Sprintf("malformed index field %q", line), ErrFileInvalid)
		}
		fields[kv[0]] = kv[1]
		n++
	}

	var err error
	idx.Type, err = unquoteField(fields, "type")
	if err != nil {
		return idx, 0, err
	}
	if idx.Type != "hashtable" {
		return idx, 0, wrapErr(FileInvalid, fmt.Sprintf("unknown index type %q", idx.Type), ErrFileInvalid)
	}

	idx.Start, err = parseU16Field(fields, "start")
	if err != nil {
		return idx, 0, err
	}
	idx.Len, err = parseU16Field(fields, "len")
	if err != nil {
		return idx, 0, err
	}
	u, err := parseU8Field(fields, "unique")
	if err != nil {
		return idx, 0, err
	}
	idx.Unique = u

	idx.HashFunction, err = unquoteField(fields, "hash_function")
	if err != nil {
		return idx, 0, err
	}
	if _, ok := parseHashFunction(idx.HashFunction); !ok {
		return idx, 0, wrapErr(FileInvalid, fmt.Sprintf("unknown hash_function %q", idx.HashFunction), ErrFileInvalid)
	}

	idx.StoreValue, err = parseU8Field(fields, "store_value")
	if err != nil {
		return idx, 0, err
	}
	idx.StoreHash, err = parseU8Field(fields, "store_hash")
	if err != nil {
		return idx, 0, err
	}
	idx.CollisionResolution, err = parseU8Field(fields, "collision_resolution")
	if err != nil {
		return idx, 0, err
	}
	idx.RehashFlags, err = parseU8Field(fields, "rehash_flags")
	if err != nil {
		return idx, 0, err
	}

	lfStr, ok := fields["load_factor_max"]
	if !ok {
		return idx, 0, wrapErr(FileInvalid, "missing load_factor_max", ErrFileInvalid)
	}
	lf, perr := strconv.ParseFloat(lfStr, 64)
	if perr != nil || lf <= 0 || lf >= 1 {
		return idx, 0, wrapErr(FileInvalid, fmt.Sprintf("invalid load_factor_max %q", lfStr), ErrFileInvalid)
	}
	idx.LoadFactorMax = lf

	return idx, n, nil
}

func unquoteField(fields map[string]string, key string) (string, error) {
	v, ok := fields[key]
	if !ok {
		return "", wrapErr(FileInvalid, fmt.Sprintf("missing field %q", key), ErrFileInvalid)
	}
	s, err := strconv.Unquote(v)
	if err != nil {
		return "", wrapErr(FileInvalid, fmt.Sprintf("field %q: invalid quoted string", key), ErrFileInvalid)
	}
	return s, nil
}

func parseU16Field(fields map[string]string, key string) (uint16, error) {
	v, ok := fields[key]
	if !ok {
		return 0, wrapErr(FileInvalid, fmt.Sprintf("missing field %q", key), ErrFileInvalid)
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, wrapErr(FileInvalid, fmt.Sprintf("field %q: invalid integer %q", key, v), ErrFileInvalid)
	}
	return uint16(n), nil
}

func parseU8Field(fields map[string]string, key string) (uint8, error) {
	v, ok := fields[key]
	if !ok {
		return 0, wrapErr(FileInvalid, fmt.Sprintf("missing field %q", key), ErrFileInvalid)
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		return 0, wrapErr(FileInvalid, fmt.Sprintf("field %q: invalid integer %q", key, v), ErrFileInvalid)
	}
	return uint8(n), nil
}

func parseLinkPairLine(line string) (LinkPair, error) {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimPrefix(trimmed, "- ")
	trimmed = strings.TrimPrefix(trimmed, "[")
	trimmed = strings.TrimSuffix(trimmed, "]")
	parts := strings.Split(trimmed, ",")
	if len(parts) != 2 {
		return LinkPair{}, wrapErr(FileInvalid, fmt.Sprintf("malformed link_pair line %q", line), ErrFileInvalid)
	}
	return LinkPair{
		Name:        strings.TrimSpace(parts[0]),
		ReverseName: strings.TrimSpace(parts[1]),
	}, nil
}

// writeMetaFile atomically (re)writes the meta file using a temp-file +
// fsync + rename, via the project's natefinch/atomic dependency.
func writeMetaFile(path string, d metaDoc) error {
	data := marshalMeta(d)
	if err := natomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return wrapErr(FileAccess, "write meta file", err)
	}
	return nil
}

// checkMetaAgainstConfig compares a loaded meta document against the
// caller's configuration, reporting CONFIG_MISMATCH/WRONG_ENDIANNESS/
// REVISION_MISMATCH/VERSION_MISMATCH.
func checkMetaAgainstConfig(d metaDoc, c Config) error {
	if d.FormatRevision != formatRevision {
		return wrapErr(VersionMismatch, fmt.Sprintf("format_revision %d != %d", d.FormatRevision, formatRevision), ErrVersionMismatch)
	}
	if c.DatabaseRevision != 0 && d.DatabaseRevision != c.DatabaseRevision {
		return wrapErr(RevisionMismatch, fmt.Sprintf("database_revision %d != %d", d.DatabaseRevision, c.DatabaseRevision), ErrRevisionMismatch)
	}

	wantEndian := c.Endianness
	if wantEndian == "" {
		wantEndian = "little"
	}
	if d.Endianness != wantEndian {
		return wrapErr(WrongEndianness, fmt.Sprintf("endianness %q != %q", d.Endianness, wantEndian), ErrWrongEndianness)
	}
	if d.Endianness != "little" {
		return wrapErr(WrongEndianness, "only little-endian files are supported; conversion is not implemented", ErrWrongEndianness)
	}

	if d.RowLen != c.RowLen {
		return wrapErr(ConfigMismatch, fmt.Sprintf("row_len %d != %d", d.RowLen, c.RowLen), ErrConfigMismatch)
	}
	if d.IDLen != c.IDLen {
		return wrapErr(ConfigMismatch, fmt.Sprintf("id_len %d != %d", d.IDLen, c.IDLen), ErrConfigMismatch)
	}
	if d.RownumWidth != 4 {
		return wrapErr(ConfigMismatch, "only rownum_width=4 is supported by this implementation", ErrConfigMismatch)
	}

	wantIndices := c.withPrimaryIndex()
	if len(d.Indices) != len(wantIndices) {
		return wrapErr(ConfigMismatch, "index_count mismatch", ErrConfigMismatch)
	}
	for i, want := range wantIndices {
		got := d.Indices[i]
		if got.Name != want.Name || got.Start != want.Start || got.Len != want.Len {
			return wrapErr(ConfigMismatch, fmt.Sprintf("index %q: layout mismatch", want.Name), ErrConfigMismatch)
		}
		wantHash := want.HashFunction.metaString()
		if got.HashFunction != wantHash {
			return wrapErr(ConfigMismatch, fmt.Sprintf("index %q: hash_function mismatch", want.Name), ErrConfigMismatch)
		}
		if (got.Unique != 0) != want.Unique {
			return wrapErr(ConfigMismatch, fmt.Sprintf("index %q: unique mismatch", want.Name), ErrConfigMismatch)
		}
	}

	return nil
}
