// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/covfuzz/pkg/hash"
)

func TestPersistentSet(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "corpus")
	ps, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, ps.Len())

	added, err := ps.Add([]byte("abc"))
	require.NoError(t, err)
	assert.True(t, added)
	added, err = ps.Add([]byte("abc"))
	require.NoError(t, err)
	assert.False(t, added)
	_, err = ps.Add(nil)
	require.NoError(t, err)
	require.NoError(t, ps.AddDescription([]byte("abc"), []byte("some output"), "output"))

	raw, err := os.ReadFile(filepath.Join(dir, hash.String([]byte("abc"))))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(raw))
	desc, err := os.ReadFile(ps.Path([]byte("abc")) + ".output")
	require.NoError(t, err)
	assert.Equal(t, "some output", string(desc))

	// Reopen: descriptions are not artifacts.
	ps, err = Open(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, ps.Len())
	assert.True(t, ps.Has([]byte("abc")))
	assert.True(t, ps.Has([]byte{}))
}

func TestOpenForeignNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seed1"), []byte("hello"), 0644))
	ps, err := Open(dir)
	require.NoError(t, err)
	assert.True(t, ps.Has([]byte("hello")))
	assert.Equal(t, [][]byte{[]byte("hello")}, ps.Entries())

	all, err := ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOpenUnwritable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, err := Open(filepath.Join(file, "corpus"))
	assert.Error(t, err)
}
