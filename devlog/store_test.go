package devlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/oceanlog/telemlog/assert"
	"github.com/oceanlog/telemlog/require"
)

func TestDataStoreAppendRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1_0.dat")
	s, err := OpenDataStore(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), s.Len())

	off, n, err := s.Append([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)
	assert.Equal(t, uint32(5), n)
	off, n, err = s.Append([]byte("world!"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), off)
	assert.Equal(t, uint32(6), n)
	assert.Equal(t, uint64(11), s.Len())

	d, err := s.Read(5, 6)
	require.NoError(t, err)
	assert.Equal(t, "world!", string(d))
	d, err = s.Read(0, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(d))

	_, err = s.Read(6, 6)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = s.Read(11, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = s.Read(^uint64(0), 2)
	assert.ErrorIs(t, err, ErrOutOfRange)

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	_, _, err = s.Append([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)

	// extent of a re-opened store is the size of the file
	s, err = OpenDataStore(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, uint64(11), s.Len())
	off, _, err = s.Append([]byte("!"))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), off)
}

func TestDataStoreSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1_0.dat")
	s, err := OpenDataStore(path)
	require.NoError(t, err)
	defer s.Close()
	_, _, err = s.Append([]byte("0123456789"))
	require.NoError(t, err)

	// file shrunk behind our back
	require.NoError(t, os.Truncate(path, 4))
	_, err = s.Read(0, 10)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	d, err := s.Read(0, 4)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(d))
}
