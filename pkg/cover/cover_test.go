// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cover

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bradleyjkemp/covfuzz/coverage"
)

func TestBucket(t *testing.T) {
	tests := []struct {
		in, want byte
	}{
		{0, 0}, {1, 1}, {5, 5}, {6, 8}, {8, 8}, {9, 16},
		{17, 32}, {33, 64}, {64, 64}, {65, 255}, {255, 255},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, Bucket(test.in, true), "bucket of %v", test.in)
	}
	assert.Equal(t, byte(255), Bucket(1, false))
	assert.Equal(t, byte(0), Bucket(0, false))
}

func TestCompareAndUpdate(t *testing.T) {
	base := make([]byte, coverage.CoverSize)
	cur := make([]byte, coverage.CoverSize)
	assert.False(t, Compare(base, cur, true))

	cur[3] = 7
	assert.True(t, Compare(base, cur, true))
	assert.Equal(t, 1, UpdateMax(base, cur, true))
	assert.Equal(t, byte(8), base[3])

	// Same bucket is not new.
	cur[3] = 6
	assert.False(t, Compare(base, cur, true))
	cur[3] = 9
	assert.True(t, Compare(base, cur, true))

	cur[3] = 0
	cur[100] = 1
	assert.Equal(t, 2, UpdateMax(base, cur, true))
	assert.Equal(t, 2, Count(base))
}

func TestBadSize(t *testing.T) {
	assert.Panics(t, func() { Compare(make([]byte, 10), make([]byte, coverage.CoverSize), true) })
}
