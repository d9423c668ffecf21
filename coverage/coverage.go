// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package coverage is linked into fuzz targets. Targets report the edges
// they execute by calling Hit at their branch points.
package coverage

const (
	CoverSize    = 64 << 10
	MaxInputSize = 1 << 20
)

// CoverTab holds code coverage.
// It is initialized to a new array so that code executed during process
// initialization has somewhere to write to. In a testee process it is
// replaced by the shared memory region before the first input runs.
var CoverTab = new([CoverSize]byte)

// PreviousLocationID stores the id of the previous coverage point.
// It is combined with the current id to decide which entry in CoverTab
// to increment. This gives a cheap approximation of edge coverage
// instead of simple block coverage.
var PreviousLocationID int

// Hit records that the location id was reached.
// Counters saturate at 255.
func Hit(id int) {
	idx := uint32(id^PreviousLocationID) % CoverSize
	if v := CoverTab[idx]; v != 255 {
		CoverTab[idx] = v + 1
	}
	PreviousLocationID = int(uint32(id) % CoverSize >> 1)
}

// Reset clears the table and the edge history before a new run.
func Reset() {
	clear(CoverTab[:])
	PreviousLocationID = 0
}
