package nvstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nv")

	for _, want := range []bool{true, false} {
		s, err := NewBadger(dir)
		require.NoError(t, err)
		require.NoError(t, WriteFlag(ctx, s, ServiceChangedKey, want))
		require.NoError(t, s.Close())

		s, err = NewBadger(dir)
		require.NoError(t, err)
		got, err := ReadFlag(ctx, s, ServiceChangedKey)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		require.NoError(t, s.Close())
	}
}

func TestStores(t *testing.T) {
	ctx := context.Background()
	inMem, err := NewBadgerInMemory()
	require.NoError(t, err)

	stores := map[string]Store{
		"badger": inMem,
		"memory": NewMemory(),
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			_, err := s.Read(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = ReadFlag(ctx, s, ServiceChangedKey)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Write(ctx, "k", []byte{1, 2}))
			v, err := s.Read(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2}, v)

			assert.ErrorIs(t, s.Write(ctx, "", nil), ErrEmptyKey)

			require.NoError(t, s.Close())
			require.NoError(t, s.Close())
			_, err = s.Read(ctx, "k")
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestReadFlagRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Write(ctx, ServiceChangedKey, []byte{0xFF, 0xFF, 0xFF}))

	_, err := ReadFlag(ctx, s, ServiceChangedKey)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestMemoryCountsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, WriteFlag(ctx, s, ServiceChangedKey, true))
	require.NoError(t, WriteFlag(ctx, s, ServiceChangedKey, true))
	assert.Equal(t, 2, s.Writes())
}
