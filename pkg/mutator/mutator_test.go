// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutator

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/covfuzz/pkg/dict"
)

type staticCorpus [][]byte

func (c staticCorpus) RandomData(r *rand.Rand) []byte {
	if len(c) == 0 {
		return nil
	}
	return c[r.Intn(len(c))]
}

func generate(seed int64, n int) [][]byte {
	corpus := staticCorpus{[]byte("hello world"), []byte("0123456789"), {0xff, 0, 0xff, 0}}
	m := New(seed, Options{Dict: dict.New([]byte("GET"), []byte("Host:"))})
	var res [][]byte
	data := []byte("seed input 42")
	for i := 0; i < n; i++ {
		data = m.Mutate(data, corpus)
		res = append(res, data)
		if len(data) > 256 {
			data = data[:16]
		}
	}
	return res
}

func TestDeterminism(t *testing.T) {
	a := generate(7, 2000)
	b := generate(7, 2000)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("same seed produced different candidates:\n%s", diff)
	}
	c := generate(8, 2000)
	assert.NotEqual(t, a, c)
}

func TestMutateDoesNotModifyInput(t *testing.T) {
	m := New(1, Options{})
	orig := []byte("do not touch me")
	data := append([]byte{}, orig...)
	for i := 0; i < 1000; i++ {
		res := m.Mutate(data, staticCorpus{[]byte("other")})
		require.Equal(t, orig, data)
		if len(res) > 0 {
			res[0] ^= 0xff
		}
		require.Equal(t, orig, data)
	}
}

func TestMutateChanges(t *testing.T) {
	m := New(3, Options{})
	same := 0
	for i := 0; i < 1000; i++ {
		if bytes.Equal(m.Mutate([]byte("abcdefgh"), nil), []byte("abcdefgh")) {
			same++
		}
	}
	assert.Less(t, same, 10)
}

func TestRestrictedOps(t *testing.T) {
	m := New(5, Options{Ops: []Op{OpFlipBit}})
	for i := 0; i < 500; i++ {
		res := m.Mutate([]byte("abcd"), nil)
		require.Len(t, res, 4)
	}
	// Flipping bits of an empty input is not possible: the input is returned as is.
	assert.Empty(t, m.Mutate(nil, nil))

	m = New(5, Options{Ops: []Op{OpInsertBytes}})
	for i := 0; i < 100; i++ {
		assert.NotEmpty(t, m.Mutate(nil, nil))
	}
}

func TestMaxLen(t *testing.T) {
	m := New(9, Options{MaxLen: 8})
	data := []byte("1234")
	for i := 0; i < 2000; i++ {
		data = m.Mutate(data, staticCorpus{[]byte("a much longer corpus entry")})
		require.LessOrEqual(t, len(data), 8)
	}
}

func TestParseOps(t *testing.T) {
	ops, err := ParseOps([]string{"flipbit", "Insert"})
	require.NoError(t, err)
	assert.Equal(t, []Op{OpFlipBit, OpInsertBytes}, ops)
	_, err = ParseOps([]string{"nope"})
	assert.Error(t, err)
	for _, op := range AllOps() {
		parsed, err := ParseOps([]string{op.String()})
		require.NoError(t, err)
		assert.Equal(t, []Op{op}, parsed)
	}
}

func TestSmash(t *testing.T) {
	var variants int
	seen := map[string]bool{}
	Smash([]byte("ab"), func(b []byte) bool {
		variants++
		seen[string(b)] = true
		return true
	})
	assert.Greater(t, variants, 100)
	assert.True(t, seen["a"], "trim")
	assert.True(t, seen["a\x00b"], "insert")
	assert.True(t, seen["\x9eb"], "byte flip")

	calls := 0
	Smash([]byte("abcdef"), func([]byte) bool {
		calls++
		return calls < 10
	})
	assert.Equal(t, 10, calls)
}
