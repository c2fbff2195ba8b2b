package kv

import (
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMem(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetPutDelete(t *testing.T) {
	s := newMem(t)

	_, err := s.Get("a", "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Has("a", "k"))

	require.NoError(t, s.Put("a", "k", []byte("v1")))
	require.NoError(t, s.Put("a", "k", []byte("v2")))
	got, err := s.Get("a", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
	assert.True(t, s.Has("a", "k"))

	// same key in another partition is independent
	_, err = s.Get("b", "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete("a", "k"))
	_, err = s.Get("a", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIterateOrderAndStop(t *testing.T) {
	s := newMem(t)
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, s.Put("p", k, []byte(k)))
	}
	require.NoError(t, s.Put("q", "z", nil))

	var keys []string
	require.NoError(t, s.Iterate("p", func(k string, v []byte) error {
		keys = append(keys, k)
		return nil
	}))
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	keys = nil
	require.NoError(t, s.Iterate("p", func(k string, v []byte) error {
		keys = append(keys, k)
		return ErrStopIteration
	}))
	assert.Equal(t, []string{"a"}, keys)

	boom := errors.New("boom")
	err := s.Iterate("p", func(string, []byte) error { return boom })
	assert.ErrorIs(t, err, boom)

	n, err := s.Count("p")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBatchIsAtomic(t *testing.T) {
	s := newMem(t)
	var b Batch
	b.Put("e", "url", []byte("payload"))
	b.Put("m", "url", []byte("meta"))
	assert.Equal(t, 2, b.Len())
	require.NoError(t, s.Write(&b))

	assert.True(t, s.Has("e", "url"))
	assert.True(t, s.Has("m", "url"))

	var del Batch
	del.Delete("e", "url")
	del.Delete("m", "url")
	require.NoError(t, s.Write(&del))
	assert.False(t, s.Has("e", "url"))
	assert.False(t, s.Has("m", "url"))
}

func TestDropAndPartitions(t *testing.T) {
	s := newMem(t)
	require.NoError(t, s.Put("static-v1", "x", nil))
	require.NoError(t, s.Put("static-v1", "y", nil))
	require.NoError(t, s.Put("data-v1", "x", nil))
	require.NoError(t, s.Put("data-v1-old", "x", nil))

	parts, err := s.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"data-v1", "data-v1-old", "static-v1"}, parts)

	require.NoError(t, s.Drop("static-v1"))
	n, err := s.Count("static-v1")
	require.NoError(t, err)
	assert.Zero(t, n)

	// dropping an empty partition is a no-op
	require.NoError(t, s.Drop("static-v1"))

	// a write after drop recreates it
	require.NoError(t, s.Put("static-v1", "z", nil))
	parts, err = s.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"data-v1", "data-v1-old", "static-v1"}, parts)
}

func TestOpenFileSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put("p", "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get("p", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestGobRoundTrip(t *testing.T) {
	type row struct {
		Name   string
		N      int
		Header http.Header
	}
	in := row{Name: "a", N: 3, Header: http.Header{"Content-Type": {"text/html"}}}
	b, err := EncodeGob(in)
	require.NoError(t, err)
	var out row
	require.NoError(t, DecodeGob(b, &out))
	assert.Equal(t, in, out)
}
