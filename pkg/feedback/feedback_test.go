// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package feedback

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/covfuzz/coverage"
	"github.com/bradleyjkemp/covfuzz/pkg/corpus"
	"github.com/bradleyjkemp/covfuzz/pkg/signal"
)

func raw(hits map[int]byte) []byte {
	table := make([]byte, coverage.CoverSize)
	for i, v := range hits {
		table[i] = v
	}
	return table
}

func TestMonotonic(t *testing.T) {
	ev := New(true)
	r := rand.New(rand.NewSource(1))
	prev := signal.Signal(nil)
	for i := 0; i < 200; i++ {
		hits := map[int]byte{}
		for j := 0; j < 5; j++ {
			hits[r.Intn(64)] = byte(r.Intn(255) + 1)
		}
		ev.Evaluate([]Candidate{{Data: []byte{byte(i)}, Signal: signal.FromCover(raw(hits), true)}})
		cur := covered(ev)
		require.True(t, cur.Covers(prev), "global coverage shrank at step %v", i)
		prev = cur
	}
	assert.Equal(t, prev.Len(), ev.Len())
}

func TestNovelty(t *testing.T) {
	ev := New(true)
	a := signal.FromEdges(1, 1, 2, 3)
	res := ev.Evaluate([]Candidate{{Data: []byte("a"), Signal: a}})
	require.Len(t, res, 1)
	assert.True(t, res[0].Novel.Equal(a))
	assert.Equal(t, corpus.OriginSeed, res[0].Origin)

	// Same coverage again is not novel.
	assert.Empty(t, ev.Evaluate([]Candidate{{Data: []byte("b"), Signal: a}}))

	// A higher bucket on a known edge is novel.
	b := signal.FromEdges(2, 2)
	res = ev.Evaluate([]Candidate{{Data: []byte("c"), Signal: b}})
	require.Len(t, res, 1)
	assert.True(t, res[0].Novel.Equal(b))

	// Skipped results are ignored.
	assert.Empty(t, ev.Evaluate([]Candidate{{Data: []byte("d"), Signal: signal.FromEdges(1, 9), Skipped: true}}))
	assert.Equal(t, 3, ev.Len())
	assert.Equal(t, uint64(2), ev.Merges())
}

func TestSmallerWins(t *testing.T) {
	ev := New(true)
	ev.Seed(signal.FromEdges(1, 1, 2))
	novel := signal.FromEdges(1, 1, 2, 7, 8)
	big := bytes.Repeat([]byte("x"), 100)
	small := []byte("yyyyy")
	res := ev.Evaluate([]Candidate{
		{Data: big, Signal: novel, Origin: corpus.OriginFuzz},
		{Data: small, Signal: novel, Origin: corpus.OriginFuzz},
	})
	require.Len(t, res, 1)
	assert.Equal(t, small, res[0].Data)
	assert.True(t, res[0].Novel.Equal(signal.FromEdges(1, 7, 8)))
	assert.Equal(t, 5, res[0].Size)
}

func TestPromising(t *testing.T) {
	ev := New(false)
	assert.False(t, ev.Promising(raw(nil)))
	table := raw(map[int]byte{10: 3})
	assert.True(t, ev.Promising(table))
	ev.Evaluate([]Candidate{{Data: []byte("a"), Signal: signal.FromCover(table, false)}})
	assert.False(t, ev.Promising(table))
	// Without counters the hit count does not matter.
	assert.False(t, ev.Promising(raw(map[int]byte{10: 200})))
	assert.True(t, ev.Promising(raw(map[int]byte{11: 1})))
}

func TestSeed(t *testing.T) {
	ev := New(true)
	assert.True(t, ev.Seed(signal.FromEdges(1, 4, 5)).Equal(signal.FromEdges(1, 4, 5)))
	assert.True(t, ev.Seed(signal.FromEdges(1, 5, 6)).Equal(signal.FromEdges(1, 6)))
	assert.True(t, ev.Seed(signal.FromEdges(4, 6)).Equal(signal.FromEdges(4, 6)))
	assert.Equal(t, 3, ev.Len())
	want := signal.FromEdges(1, 4, 5)
	want.Merge(signal.FromEdges(4, 6))
	assert.True(t, covered(ev).Equal(want))
}

func covered(ev *Evaluator) signal.Signal {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return signal.FromCover(ev.max, true)
}
