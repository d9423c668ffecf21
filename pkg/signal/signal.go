// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package signal provides the coverage signature of one execution:
// the set of edges it hit together with their quantized hit counts.
package signal

import (
	"sort"

	"github.com/bradleyjkemp/covfuzz/coverage"
	"github.com/bradleyjkemp/covfuzz/pkg/cover"
)

type (
	elemType uint32
	prioType uint8
)

// Signal maps an edge (index into the coverage table) to its bucket.
type Signal map[elemType]prioType

type Serial struct {
	Elems []uint32 `json:"elems"`
	Prios []uint8  `json:"prios"`
}

// FromCover captures the signature of a raw coverage table.
func FromCover(raw []byte, counters bool) Signal {
	var s Signal
	for i, v := range raw {
		if v == 0 {
			continue
		}
		if s == nil {
			s = make(Signal)
		}
		s[elemType(i)] = prioType(cover.Bucket(v, counters))
	}
	return s
}

// FromEdges builds a signal from explicit edges, all in the given bucket.
func FromEdges(prio uint8, edges ...uint32) Signal {
	if len(edges) == 0 {
		return nil
	}
	s := make(Signal, len(edges))
	for _, e := range edges {
		s[elemType(e)] = prioType(prio)
	}
	return s
}

func (s Signal) Len() int {
	return len(s)
}

func (s Signal) Empty() bool {
	return len(s) == 0
}

// Prio returns the bucket of edge e, or 0.
func (s Signal) Prio(e uint32) uint8 {
	return uint8(s[elemType(e)])
}

// Diff returns the part of s1 not already covered by s.
func (s Signal) Diff(s1 Signal) Signal {
	if s1.Empty() {
		return nil
	}
	var res Signal
	for e, p1 := range s1 {
		if p, ok := s[e]; ok && p >= p1 {
			continue
		}
		if res == nil {
			res = make(Signal)
		}
		res[e] = p1
	}
	return res
}

// Table renders s as a raw coverage table with the buckets as hit counts.
func (s Signal) Table() []byte {
	table := make([]byte, coverage.CoverSize)
	for e, p := range s {
		table[e%coverage.CoverSize] = byte(p)
	}
	return table
}

func (s *Signal) Merge(s1 Signal) {
	if s1.Empty() {
		return
	}
	s0 := *s
	if s0 == nil {
		s0 = make(Signal, len(s1))
		*s = s0
	}
	for e, p1 := range s1 {
		if p, ok := s0[e]; !ok || p < p1 {
			s0[e] = p1
		}
	}
}

// Covers reports whether s hits every edge of s1 with at least the same bucket.
func (s Signal) Covers(s1 Signal) bool {
	for e, p1 := range s1 {
		if s[e] < p1 {
			return false
		}
	}
	return true
}

func (s Signal) Equal(s1 Signal) bool {
	return len(s) == len(s1) && s.Covers(s1) && s1.Covers(s)
}

// Serialize returns the signal with edges in ascending order.
func (s Signal) Serialize() Serial {
	if s.Empty() {
		return Serial{}
	}
	elems := make([]uint32, 0, len(s))
	for e := range s {
		elems = append(elems, uint32(e))
	}
	sort.Slice(elems, func(i, j int) bool { return elems[i] < elems[j] })
	res := Serial{
		Elems: elems,
		Prios: make([]uint8, len(elems)),
	}
	for i, e := range elems {
		res.Prios[i] = uint8(s[elemType(e)])
	}
	return res
}

func (ser Serial) Deserialize() Signal {
	if len(ser.Elems) != len(ser.Prios) {
		panic("corrupted Serial")
	}
	if len(ser.Elems) == 0 {
		return nil
	}
	s := make(Signal, len(ser.Elems))
	for i, e := range ser.Elems {
		s[elemType(e)] = prioType(ser.Prios[i])
	}
	return s
}
