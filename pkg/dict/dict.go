// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package dict maintains the tokens used by dictionary mutations.
// Tokens come from dictionary files, from literals in Go packages
// and from printable runs in inputs that were added to the corpus.
package dict

import (
	"math/rand"
	"sync"
)

const (
	MaxTokens   = 4096
	MaxTokenLen = 64

	minLearnLen = 4
	maxLearnLen = 32
)

// Dict is safe for concurrent use. Tokens keep insertion order,
// so a fixed set of additions gives a fixed token sequence.
type Dict struct {
	mu     sync.RWMutex
	tokens [][]byte
	seen   map[string]struct{}
}

func New(tokens ...[]byte) *Dict {
	d := &Dict{seen: make(map[string]struct{})}
	for _, tok := range tokens {
		d.Add(tok)
	}
	return d
}

// Add inserts tok and reports whether it was new.
func (d *Dict) Add(tok []byte) bool {
	if len(tok) == 0 || len(tok) > MaxTokenLen {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tokens) >= MaxTokens {
		return false
	}
	if _, ok := d.seen[string(tok)]; ok {
		return false
	}
	d.seen[string(tok)] = struct{}{}
	d.tokens = append(d.tokens, append([]byte{}, tok...))
	return true
}

func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tokens)
}

func (d *Dict) Tokens() [][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([][]byte{}, d.tokens...)
}

// Random returns a random token or nil if the dictionary is empty.
func (d *Dict) Random(r *rand.Rand) []byte {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.tokens) == 0 {
		return nil
	}
	return d.tokens[r.Intn(len(d.tokens))]
}

// Learn adds printable ASCII runs found in data and returns the number of new tokens.
func (d *Dict) Learn(data []byte) int {
	added := 0
	start := -1
	flush := func(end int) {
		if start >= 0 && end-start >= minLearnLen && end-start <= maxLearnLen {
			if d.Add(data[start:end]) {
				added++
			}
		}
		start = -1
	}
	for i, c := range data {
		if c >= 0x20 && c < 0x7f {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(data))
	return added
}
