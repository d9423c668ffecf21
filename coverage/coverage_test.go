// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package coverage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHitRecordsEdges(t *testing.T) {
	Reset()
	Hit(10)
	Hit(20)
	assert.Equal(t, byte(1), CoverTab[10])
	assert.Equal(t, byte(1), CoverTab[20^5])

	Reset()
	Hit(20)
	assert.Equal(t, byte(1), CoverTab[20])
	assert.Equal(t, byte(0), CoverTab[10])
}

func TestHitSaturates(t *testing.T) {
	Reset()
	for i := 0; i < 1000; i++ {
		Hit(7)
		PreviousLocationID = 0
	}
	assert.Equal(t, byte(255), CoverTab[7])
	Reset()
}
