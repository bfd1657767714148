package serialize_test

import (
	"testing"

	"github.com/canonical/dqlite-core/serialize"
	"github.com/stretchr/testify/require"
)

// Tuple round-trip, row format.
func TestTupleRoundTripRow(t *testing.T) {
	cases := [][]serialize.Value{
		{},
		{{Type: serialize.TypeInteger, Integer: 42}},
		{
			{Type: serialize.TypeInteger, Integer: -7},
			{Type: serialize.TypeFloat, Float: 3.25},
			{Type: serialize.TypeText, Text: "hello world"},
			{Type: serialize.TypeBlob, Blob: []byte{1, 2, 3, 4, 5}},
			{Type: serialize.TypeNull},
			{Type: serialize.TypeUnixtime, Integer: 1700000000},
			{Type: serialize.TypeISO8601, Text: "2024-01-02T03:04:05Z"},
			{Type: serialize.TypeBoolean, Integer: 1},
		},
	}

	for _, values := range cases {
		buf := serialize.EncodeTuple(values)
		dec, err := serialize.NewTupleDecoder(buf, serialize.ModeRow, len(values))
		require.NoError(t, err)
		got, err := dec.DecodeAll()
		require.NoError(t, err)
		require.Equal(t, values, got)
	}
}

// Tuple round-trip, params format (leading count byte).
func TestTupleRoundTripParams(t *testing.T) {
	values := []serialize.Value{
		{Type: serialize.TypeInteger, Integer: 1},
		{Type: serialize.TypeText, Text: "x"},
		{Type: serialize.TypeBlob, Blob: []byte("binary-ish")},
	}
	buf := serialize.EncodeTupleParams(values)
	dec, err := serialize.NewTupleDecoder(buf, serialize.ModeParams, 0)
	require.NoError(t, err)
	require.Equal(t, 3, dec.Len())
	got, err := dec.DecodeAll()
	require.NoError(t, err)
	require.Equal(t, values, got)
}

func TestTupleDecodeInvalidTypeTag(t *testing.T) {
	// Hand-craft a single-byte-header buffer with an out-of-range tag.
	buf := []byte{0x0F, 0, 0, 0, 0, 0, 0, 0}
	_, err := serialize.NewTupleDecoder(buf, serialize.ModeRow, 1)
	require.Error(t, err)
}

func TestTupleDecodeShortRead(t *testing.T) {
	values := []serialize.Value{{Type: serialize.TypeText, Text: "truncate me"}}
	buf := serialize.EncodeTuple(values)
	// The constructor reads only the type header; the short payload is
	// reported when the value itself is decoded.
	dec, err := serialize.NewTupleDecoder(buf[:len(buf)-4], serialize.ModeRow, 1)
	require.NoError(t, err)
	_, err = dec.DecodeAll()
	require.Error(t, err)
}
