// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutator

import (
	"encoding/binary"
	"math/bits"

	"github.com/bradleyjkemp/covfuzz/coverage"
)

// Smash gives some minimal attention to a new input: it enumerates the
// deterministic neighbourhood of data (walking bit and byte flips, small
// arithmetic, interesting values, trims and single byte insertions) and passes
// every variant to test. Variants are only valid during the call.
// Enumeration stops as soon as test returns false.
func Smash(data []byte, test func([]byte) bool) {
	data = append([]byte{}, data...)
	s := smasher{data: data, test: test}
	s.run()
}

type smasher struct {
	data    []byte
	test    func([]byte) bool
	stopped bool
}

func (s *smasher) try(b []byte) bool {
	if s.stopped {
		return false
	}
	if !s.test(b) {
		s.stopped = true
	}
	return !s.stopped
}

func (s *smasher) flipBits(i, n int) {
	for k := 0; k < n; k++ {
		s.data[(i+k)/8] ^= 1 << uint((i+k)%8)
	}
}

func (s *smasher) run() {
	data := s.data

	// Walking 1, 2 and 4 bits.
	for _, n := range []int{1, 2, 4} {
		for i := 0; i+n <= len(data)*8; i++ {
			s.flipBits(i, n)
			ok := s.try(data)
			s.flipBits(i, n)
			if !ok {
				return
			}
		}
	}

	// Walking 1, 2 and 4 bytes.
	for _, n := range []int{1, 2, 4} {
		for i := 0; i+n <= len(data); i++ {
			for k := 0; k < n; k++ {
				data[i+k] ^= 0xff
			}
			ok := s.try(data)
			for k := 0; k < n; k++ {
				data[i+k] ^= 0xff
			}
			if !ok {
				return
			}
		}
	}

	// Increment/decrement every byte.
	for i := 0; i < len(data); i++ {
		for j := uint8(1); j <= 4; j++ {
			v := data[i]
			data[i] = v + j
			ok := s.try(data)
			data[i] = v - j
			ok = ok && s.try(data)
			data[i] = v
			if !ok {
				return
			}
		}
	}

	// Set bytes to interesting values.
	for i := 0; i < len(data); i++ {
		v := data[i]
		for _, x := range interesting8 {
			data[i] = uint8(x)
			if !s.try(data) {
				data[i] = v
				return
			}
		}
		data[i] = v
	}

	// Set words to interesting values, in both byte orders.
	for i := 0; i+2 <= len(data); i++ {
		b := data[i : i+2]
		v := binary.LittleEndian.Uint16(b)
		for _, x := range interesting16 {
			binary.LittleEndian.PutUint16(b, uint16(x))
			ok := s.try(data)
			if ok && x != 0 && x != -1 {
				binary.LittleEndian.PutUint16(b, bits.ReverseBytes16(uint16(x)))
				ok = s.try(data)
			}
			if !ok {
				binary.LittleEndian.PutUint16(b, v)
				return
			}
		}
		binary.LittleEndian.PutUint16(b, v)
	}

	// Set double-words to interesting values, in both byte orders.
	for i := 0; i+4 <= len(data); i++ {
		b := data[i : i+4]
		v := binary.LittleEndian.Uint32(b)
		for _, x := range interesting32 {
			binary.LittleEndian.PutUint32(b, uint32(x))
			ok := s.try(data)
			if ok && x != 0 && x != -1 {
				binary.LittleEndian.PutUint32(b, bits.ReverseBytes32(uint32(x)))
				ok = s.try(data)
			}
			if !ok {
				binary.LittleEndian.PutUint32(b, v)
				return
			}
		}
		binary.LittleEndian.PutUint32(b, v)
	}

	// Trim after every byte.
	for i := 1; i < len(data); i++ {
		if !s.try(data[:i]) {
			return
		}
	}

	// Insert a byte after every byte.
	tmp := make([]byte, len(data)+1)
	if len(tmp) > coverage.MaxInputSize {
		tmp = tmp[:coverage.MaxInputSize]
	}
	for i := 0; i <= len(data) && i < coverage.MaxInputSize-1; i++ {
		copy(tmp, data[:i])
		copy(tmp[i+1:], data[i:])
		tmp[i] = 0
		if !s.try(tmp) {
			return
		}
		tmp[i] = 'a'
		if !s.try(tmp) {
			return
		}
	}
}
