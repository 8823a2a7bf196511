package rydb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfigForMeta() Config {
	return Config{
		Path:             "/tmp/ignored",
		Name:             "testdb",
		RowLen:           64,
		IDLen:            16,
		DatabaseRevision: 3,
		HashKey:          [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		HashKeyQuality:   2,
		Indices: []IndexConfig{
			{
				Name: "byEmail", Type: IndexHashtable, Start: 16, Len: 32,
				Unique: true, HashFunction: HashSipHash, StoreHash: true,
				StoreValue: true, LoadFactorMax: 0.75, RehashFlags: RehashIncrementalOnWrite,
			},
		},
		LinkPairs: []LinkPair{{Name: "parent", ReverseName: "children"}},
	}
}

func TestMetaMarshalUnmarshalRoundTrip(t *testing.T) {
	cfg := testConfigForMeta()
	doc := newMetaDoc(cfg)

	raw := marshalMeta(doc)
	got, err := unmarshalMeta(raw)
	require.NoError(t, err, "unmarshalMeta should succeed")

	require.Equal(t, doc.FormatRevision, got.FormatRevision)
	require.EqualValues(t, 3, got.DatabaseRevision)
	require.EqualValues(t, 64, got.RowLen)
	require.EqualValues(t, 16, got.IDLen)
	require.Len(t, got.Indices, 2, "implicit primary + byEmail")
	require.Equal(t, "byEmail", got.Indices[1].Name)
	require.Equal(t, "SipHash", got.Indices[1].HashFunction)
	require.Len(t, got.LinkPairs, 1)
	require.Equal(t, "parent", got.LinkPairs[0].Name)
}

func TestCheckMetaAgainstConfigDetectsRowLenMismatch(t *testing.T) {
	cfg := testConfigForMeta()
	doc := newMetaDoc(cfg)

	cfg2 := cfg
	cfg2.RowLen = 128
	require.ErrorIs(t, checkMetaAgainstConfig(doc, cfg2), ErrConfigMismatch)
}

func TestCheckMetaAgainstConfigAcceptsMatchingConfig(t *testing.T) {
	cfg := testConfigForMeta()
	doc := newMetaDoc(cfg)
	require.NoError(t, checkMetaAgainstConfig(doc, cfg))
}

func TestUnmarshalMetaRejectsMissingMagic(t *testing.T) {
	_, err := unmarshalMeta([]byte("not a meta file\n"))
	require.ErrorIs(t, err, ErrFileInvalid)
}
