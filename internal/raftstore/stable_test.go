package raftstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStableStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stable")
	s, err := NewStableStore(path)
	require.NoError(t, err)

	_, err = s.Get([]byte("LastVoteCand"))
	require.EqualError(t, err, "not found")
	n, err := s.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, s.SetUint64([]byte("CurrentTerm"), 7))
	require.NoError(t, s.Set([]byte("LastVoteCand"), []byte("node-1")))
	require.NoError(t, s.SetUint64([]byte("CurrentTerm"), 8))

	// a restart sees the latest values
	s, err = NewStableStore(path)
	require.NoError(t, err)
	n, err = s.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	require.Equal(t, uint64(8), n)
	v, err := s.Get([]byte("LastVoteCand"))
	require.NoError(t, err)
	require.Equal(t, []byte("node-1"), v)

	_, err = s.GetUint64([]byte("LastVoteCand"))
	require.Error(t, err)
}

func TestStableStoreFailedSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stable")
	s, err := NewStableStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SetUint64([]byte("CurrentTerm"), 3))

	// the temporary file cannot be created
	require.NoError(t, os.Mkdir(path+".tmp", 0755))
	require.Error(t, s.SetUint64([]byte("CurrentTerm"), 4))
	require.Error(t, s.Set([]byte("LastVoteCand"), []byte("node-2")))

	n, err := s.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
	_, err = s.Get([]byte("LastVoteCand"))
	require.EqualError(t, err, "not found")
}

func TestStableStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stable")
	require.NoError(t, os.WriteFile(path, []byte{0xc1}, 0644))
	_, err := NewStableStore(path)
	require.Error(t, err)
}
