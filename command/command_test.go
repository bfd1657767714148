package command_test

import (
	"testing"

	"github.com/canonical/dqlite-core/command"
	"github.com/stretchr/testify/require"
)

func TestOpenRoundTrip(t *testing.T) {
	want := command.Open{Filename: "test.db"}
	buf, err := command.Encode(want)
	require.NoError(t, err)

	got, err := command.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFramesRoundTrip(t *testing.T) {
	page := make([]byte, 4096)
	for i := range page {
		page[i] = byte(i)
	}
	want := command.Frames{
		Filename: "test.db",
		TxID:     42,
		Truncate: 0,
		IsCommit: true,
		Data: command.FrameData{
			PageSize:    4096,
			PageNumbers: []uint64{1, 2, 3},
			Pages:       [][]byte{page, page, page},
		},
	}
	buf, err := command.Encode(want)
	require.NoError(t, err)

	got, err := command.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestUndoRoundTrip(t *testing.T) {
	want := command.Undo{TxID: 7}
	buf, err := command.Encode(want)
	require.NoError(t, err)

	got, err := command.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestCheckpointRoundTrip(t *testing.T) {
	want := command.Checkpoint{Filename: "test.db"}
	buf, err := command.Encode(want)
	require.NoError(t, err)

	got, err := command.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeUnsupportedFormat(t *testing.T) {
	buf, err := command.Encode(command.Undo{TxID: 1})
	require.NoError(t, err)
	buf[0] = 99

	_, err = command.Decode(buf)
	require.Error(t, err)
}

func TestDecodeUnknownType(t *testing.T) {
	buf, err := command.Encode(command.Undo{TxID: 1})
	require.NoError(t, err)
	buf[1] = 200

	_, err = command.Decode(buf)
	require.Error(t, err)
}

func TestEncodeUnknownValue(t *testing.T) {
	_, err := command.Encode(struct{}{})
	require.Error(t, err)
}

func TestFramesRoundTripLargestPageSize(t *testing.T) {
	page := make([]byte, 65536)
	page[0] = 0xFF
	want := command.Frames{
		Filename: "big.db",
		TxID:     9,
		IsCommit: true,
		Data: command.FrameData{
			PageSize:    1, // 65536 doesn't fit the wire field
			PageNumbers: []uint64{1},
			Pages:       [][]byte{page},
		},
	}
	buf, err := command.Encode(want)
	require.NoError(t, err)

	got, err := command.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, 65536, want.Data.PageSizeBytes())
}
