package util

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()

	require.NoError(t, WriteFileAtomic(fs, "/state/a/b.json", []byte("one")))
	require.NoError(t, WriteFileAtomic(fs, "/state/a/b.json", []byte("two")))

	data, err := afero.ReadFile(fs, "/state/a/b.json")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := afero.ReadDir(fs, "/state/a")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files should not be left behind")
}

func TestWriteJSONAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()

	require.NoError(t, WriteJSONAtomic(fs, "/x.json", map[string]int{"n": 1}))
	data, err := afero.ReadFile(fs, "/x.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(data))
}
