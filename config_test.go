package rydb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func baseConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Path:   t.TempDir(),
		Name:   "testdb",
		RowLen: 32,
		IDLen:  8,
	}
}

func TestConfigValidateAcceptsBaseConfig(t *testing.T) {
	c := baseConfig(t)
	require.NoError(t, c.validate())
}

func TestConfigValidateRejectsBadRowLen(t *testing.T) {
	c := baseConfig(t)
	c.RowLen = 0
	require.ErrorIs(t, c.validate(), ErrBadConfig)
}

func TestConfigValidateRejectsIDLenExceedingRowLen(t *testing.T) {
	c := baseConfig(t)
	c.IDLen = c.RowLen + 1
	require.ErrorIs(t, c.validate(), ErrBadConfig)
}

func TestConfigValidateRejectsDuplicateIndexNames(t *testing.T) {
	c := baseConfig(t)
	c.Indices = []IndexConfig{
		{Name: "byName", Type: IndexHashtable, Start: 8, Len: 8, LoadFactorMax: 0.8, HashFunction: HashCRC32},
		{Name: "byName", Type: IndexHashtable, Start: 16, Len: 8, LoadFactorMax: 0.8, HashFunction: HashCRC32},
	}
	require.ErrorIs(t, c.validate(), ErrBadConfig)
}

func TestConfigValidateRejectsIndexRangeOutOfBounds(t *testing.T) {
	c := baseConfig(t)
	c.Indices = []IndexConfig{
		{Name: "oob", Type: IndexHashtable, Start: 30, Len: 8, LoadFactorMax: 0.8, HashFunction: HashCRC32},
	}
	require.ErrorIs(t, c.validate(), ErrBadConfig)
}

func TestConfigValidateRejectsBtreeIndex(t *testing.T) {
	c := baseConfig(t)
	c.Indices = []IndexConfig{
		{Name: "bt", Type: IndexBtree, Start: 0, Len: 8, LoadFactorMax: 0.8},
	}
	require.ErrorIs(t, c.validate(), ErrIndexInvalid)
}

func TestConfigValidateRejectsIncrementalWithoutStoreHash(t *testing.T) {
	c := baseConfig(t)
	c.Indices = []IndexConfig{
		{
			Name: "inc", Type: IndexHashtable, Start: 8, Len: 8,
			LoadFactorMax: 0.8, RehashFlags: RehashIncrementalOnWrite, StoreHash: false,
			HashFunction: HashCRC32,
		},
	}
	require.ErrorIs(t, c.validate(), ErrBadConfig)
}

func TestWithPrimaryIndexSynthesizesDefault(t *testing.T) {
	c := baseConfig(t)
	indices := c.withPrimaryIndex()
	require.Len(t, indices, 1)
	require.Equal(t, primaryIndexName, indices[0].Name)
	require.True(t, indices[0].Unique, "synthesized primary index must be unique")
	require.Equal(t, c.IDLen, indices[0].Len)
}

func TestWithPrimaryIndexRespectsExplicitPrimary(t *testing.T) {
	c := baseConfig(t)
	c.Indices = []IndexConfig{
		{Name: primaryIndexName, Type: IndexHashtable, Start: 0, Len: 8, Unique: true, LoadFactorMax: 0.8, HashFunction: HashSipHash},
	}
	indices := c.withPrimaryIndex()
	require.Len(t, indices, 1)
	require.Equal(t, HashSipHash, indices[0].HashFunction, "explicit primary index config should be respected")
}
