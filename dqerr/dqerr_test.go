package dqerr_test

import (
	"errors"
	"testing"

	"github.com/canonical/dqlite-core/dqerr"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesCode(t *testing.T) {
	err := dqerr.New(dqerr.Busy, "database %q is locked", "test.db")
	require.Error(t, err)
	require.True(t, dqerr.Is(err, dqerr.Busy))
	require.False(t, dqerr.Is(err, dqerr.Corrupt))
	require.Contains(t, err.Error(), "test.db")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := dqerr.Wrap(dqerr.IOWriteErr, cause, "write page")
	require.Error(t, err)

	code, ok := dqerr.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, dqerr.IOWriteErr, code)
	require.ErrorIs(t, err, cause)
}

func TestWrapNilIsNil(t *testing.T) {
	require.NoError(t, dqerr.Wrap(dqerr.Corrupt, nil, "no-op"))
}

func TestCodeOfUnknownError(t *testing.T) {
	_, ok := dqerr.CodeOf(errors.New("plain error"))
	require.False(t, ok)
}

func TestCodeStringMatchesSpecNotation(t *testing.T) {
	require.Equal(t, "IO:NotLeader", dqerr.IONotLeader.String())
	require.Equal(t, "Busy", dqerr.Busy.String())
	require.Equal(t, "Unknown", dqerr.Code(999).String())
}
