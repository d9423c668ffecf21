// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package feedback decides which executed inputs are worth keeping.
// It owns the global maximum coverage: for every edge the highest bucket any
// retained input reached. The maximum only grows.
package feedback

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bradleyjkemp/covfuzz/coverage"
	"github.com/bradleyjkemp/covfuzz/pkg/corpus"
	"github.com/bradleyjkemp/covfuzz/pkg/cover"
	"github.com/bradleyjkemp/covfuzz/pkg/hash"
	"github.com/bradleyjkemp/covfuzz/pkg/signal"
)

// Candidate is an executed input together with its coverage signature.
type Candidate struct {
	Data    []byte
	Signal  signal.Signal
	Skipped bool
	Origin  corpus.Origin
	Parent  hash.Sig
}

type Evaluator struct {
	counters bool

	mu     sync.Mutex
	max    []byte // bucketed
	edges  int
	merges uint64

	// snapshot is a copy of max used by Promising without taking mu.
	// It is replaced, never modified, after every merge.
	snapshot atomic.Pointer[[]byte]
}

func New(counters bool) *Evaluator {
	ev := &Evaluator{
		counters: counters,
		max:      make([]byte, coverage.CoverSize),
	}
	snap := make([]byte, coverage.CoverSize)
	ev.snapshot.Store(&snap)
	return ev
}

// Promising reports whether the raw coverage table of a run may contain new coverage.
// It can give false positives while a concurrent merge is in progress, never false negatives
// with respect to the state at the time of the last merge.
func (ev *Evaluator) Promising(raw []byte) bool {
	return cover.Compare(*ev.snapshot.Load(), raw, ev.counters)
}

// Evaluate merges a batch of candidates into the global coverage and returns
// an entry for every candidate that contributed something new. Candidates are
// considered in ascending size order, so when several cover the same new
// edges only the smallest is kept.
func (ev *Evaluator) Evaluate(cands []Candidate) []*corpus.Entry {
	order := make([]int, 0, len(cands))
	for i := range cands {
		if !cands[i].Skipped && !cands[i].Signal.Empty() {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return len(cands[order[i]].Data) < len(cands[order[j]].Data)
	})
	ev.mu.Lock()
	defer ev.mu.Unlock()
	var res []*corpus.Entry
	now := time.Now()
	for _, idx := range order {
		c := &cands[idx]
		novel := ev.mergeLocked(c.Signal)
		if novel.Empty() {
			continue
		}
		res = append(res, &corpus.Entry{
			Sig:    hash.Hash(c.Data),
			Data:   c.Data,
			Signal: c.Signal,
			Novel:  novel,
			Time:   now,
			Size:   len(c.Data),
			Origin: c.Origin,
			Parent: c.Parent,
		})
	}
	if len(res) != 0 {
		ev.publishLocked()
	}
	return res
}

// Seed merges the signature of an input that is retained regardless of novelty
// (initial corpus) and returns the part of it that was new.
func (ev *Evaluator) Seed(sig signal.Signal) signal.Signal {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	novel := ev.mergeLocked(sig)
	if !novel.Empty() {
		ev.publishLocked()
	}
	return novel
}

func (ev *Evaluator) diffLocked(sig signal.Signal) signal.Signal {
	var novel []uint32
	var prios []uint8
	for _, e := range sig.Serialize().Elems {
		if p := sig.Prio(e); p > ev.max[e] {
			novel = append(novel, e)
			prios = append(prios, p)
		}
	}
	return signal.Serial{Elems: novel, Prios: prios}.Deserialize()
}

func (ev *Evaluator) mergeLocked(sig signal.Signal) signal.Signal {
	novel := ev.diffLocked(sig)
	if novel.Empty() {
		return nil
	}
	ev.edges = cover.UpdateMax(ev.max, novel.Table(), ev.counters)
	ev.merges++
	return novel
}

func (ev *Evaluator) publishLocked() {
	snap := append([]byte{}, ev.max...)
	ev.snapshot.Store(&snap)
}


// Len returns the number of edges hit by any retained input.
func (ev *Evaluator) Len() int {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.edges
}

// Merges returns how many times the global coverage grew.
func (ev *Evaluator) Merges() uint64 {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.merges
}
