// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cover operates on raw coverage tables as written by targets.
package cover

import (
	"fmt"

	"github.com/bradleyjkemp/covfuzz/coverage"
)

// Bucket quantizes a hit counter. Otherwise we get too inflated corpus.
// With counters disabled any hit maps to 255.
func Bucket(x byte, counters bool) byte {
	if !counters && x > 0 {
		return 255
	}
	switch {
	case x <= 5:
		return x
	case x <= 8:
		return 8
	case x <= 16:
		return 16
	case x <= 32:
		return 32
	case x <= 64:
		return 64
	}
	return 255
}

func checkSize(base, cur []byte) {
	if len(base) != coverage.CoverSize || len(cur) != coverage.CoverSize {
		panic(fmt.Sprintf("bad cover table size (%v, %v)", len(base), len(cur)))
	}
}

// Compare reports whether the raw table cur hits any bucket above base.
// base must already be bucketed.
func Compare(base, cur []byte, counters bool) bool {
	checkSize(base, cur)
	for i, v := range cur {
		if v != 0 && Bucket(v, counters) > base[i] {
			return true
		}
	}
	return false
}

// UpdateMax raises base to the buckets of cur and returns
// the number of non-zero entries in the result.
func UpdateMax(base, cur []byte, counters bool) int {
	checkSize(base, cur)
	cnt := 0
	for i, x := range cur {
		x = Bucket(x, counters)
		v := base[i]
		if v != 0 || x > 0 {
			cnt++
		}
		if v < x {
			base[i] = x
		}
	}
	return cnt
}

// Count returns the number of non-zero entries.
func Count(table []byte) int {
	cnt := 0
	for _, v := range table {
		if v != 0 {
			cnt++
		}
	}
	return cnt
}
