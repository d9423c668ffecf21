// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mutator derives new candidate inputs from corpus entries.
// A Mutator owns its random stream: two mutators created with the same seed
// and fed the same inputs produce the same candidates.
package mutator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"

	"github.com/bradleyjkemp/covfuzz/coverage"
	"github.com/bradleyjkemp/covfuzz/pkg/dict"
)

type Op int

const (
	OpRemoveRange Op = iota
	OpInsertBytes
	OpDuplicateRange
	OpCopyRange
	OpFlipBit
	OpFlipBits
	OpSetByte
	OpSwapBytes
	OpAddSubByte
	OpAddSubUint16
	OpAddSubUint32
	OpAddSubUint64
	OpInterestingByte
	OpInterestingUint16
	OpInterestingUint32
	OpReplaceDigit
	OpSplice
	OpInsertFromCorpus
	OpInsertToken
	OpReplaceToken
	opCount
)

var opNames = [opCount]string{
	OpRemoveRange:       "remove",
	OpInsertBytes:       "insert",
	OpDuplicateRange:    "duplicate",
	OpCopyRange:         "copy",
	OpFlipBit:           "flipbit",
	OpFlipBits:          "flipbits",
	OpSetByte:           "setbyte",
	OpSwapBytes:         "swap",
	OpAddSubByte:        "arith8",
	OpAddSubUint16:      "arith16",
	OpAddSubUint32:      "arith32",
	OpAddSubUint64:      "arith64",
	OpInterestingByte:   "interesting8",
	OpInterestingUint16: "interesting16",
	OpInterestingUint32: "interesting32",
	OpReplaceDigit:      "digit",
	OpSplice:            "splice",
	OpInsertFromCorpus:  "insertcorpus",
	OpInsertToken:       "inserttoken",
	OpReplaceToken:      "replacetoken",
}

func (op Op) String() string {
	if op >= 0 && op < opCount {
		return opNames[op]
	}
	return fmt.Sprintf("op%d", int(op))
}

// AllOps returns every mutation operator.
func AllOps() []Op {
	ops := make([]Op, opCount)
	for i := range ops {
		ops[i] = Op(i)
	}
	return ops
}

// ParseOps converts operator names as printed by Op.String.
func ParseOps(names []string) ([]Op, error) {
	var ops []Op
	for _, name := range names {
		found := false
		for i, n := range opNames {
			if strings.EqualFold(n, name) {
				ops = append(ops, Op(i))
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown mutation %q", name)
		}
	}
	return ops, nil
}

// Source provides other corpus inputs for splicing.
type Source interface {
	RandomData(r *rand.Rand) []byte
}

type Options struct {
	// Ops restricts the operators. Empty means all of them.
	Ops []Op
	// MaxLen bounds the size of produced inputs. Zero means coverage.MaxInputSize.
	MaxLen int
	Dict   *dict.Dict
}

type Mutator struct {
	r      *rand.Rand
	ops    []Op
	maxLen int
	dict   *dict.Dict
}

func New(seed int64, opts Options) *Mutator {
	m := &Mutator{
		r:      rand.New(rand.NewSource(seed)),
		ops:    opts.Ops,
		maxLen: opts.MaxLen,
		dict:   opts.Dict,
	}
	if len(m.ops) == 0 {
		m.ops = AllOps()
	}
	if m.maxLen <= 0 || m.maxLen > coverage.MaxInputSize {
		m.maxLen = coverage.MaxInputSize
	}
	return m
}

// Rand exposes the mutator's random stream to the caller that owns the mutator.
func (m *Mutator) Rand() *rand.Rand {
	return m.r
}

func (m *Mutator) rand(n int) int {
	return m.r.Intn(n)
}

func (m *Mutator) randbool() bool {
	return m.r.Intn(2) == 0
}

// chooseLen picks a length in [1, n], biased towards short ones.
func (m *Mutator) chooseLen(n int) int {
	switch x := m.rand(100); {
	case x < 90:
		return m.rand(min(8, n)) + 1
	case x < 99:
		return m.rand(min(32, n)) + 1
	default:
		return m.rand(n) + 1
	}
}

// maxTries bounds the attempts to produce an input different from the original
// when no selected operator is applicable to it.
const maxTries = 100

// Mutate returns a new candidate derived from data. data is not modified.
// The number of applied operators is 1 plus a geometric variable,
// so most candidates are small perturbations and some are large ones.
func (m *Mutator) Mutate(data []byte, corpus Source) []byte {
	res := make([]byte, len(data), len(data)+16)
	copy(res, data)
	nm := 1
	for m.rand(3) == 0 {
		nm++
	}
	for iter := 0; iter < nm || (bytes.Equal(res, data) && iter < maxTries); iter++ {
		op := m.ops[m.rand(len(m.ops))]
		res = m.apply(op, res, corpus)
	}
	if len(res) > m.maxLen {
		res = res[:m.maxLen]
	}
	return res
}

// apply returns res unchanged when op is not applicable.
func (m *Mutator) apply(op Op, res []byte, corpus Source) []byte {
	switch op {
	case OpRemoveRange:
		if len(res) <= 1 {
			if len(res) == 1 {
				return res[:0]
			}
			return res
		}
		pos0 := m.rand(len(res))
		pos1 := pos0 + m.chooseLen(len(res)-pos0)
		copy(res[pos0:], res[pos1:])
		res = res[:len(res)-(pos1-pos0)]
	case OpInsertBytes:
		if len(res) >= m.maxLen {
			return res
		}
		n := min(m.chooseLen(10), m.maxLen-len(res))
		pos := m.rand(len(res) + 1)
		res = grow(res, n, pos)
		for k := 0; k < n; k++ {
			res[pos+k] = byte(m.rand(256))
		}
	case OpDuplicateRange:
		if len(res) <= 1 || len(res) >= m.maxLen {
			return res
		}
		src := m.rand(len(res))
		n := min(m.chooseLen(len(res)-src), m.maxLen-len(res))
		dst := m.rand(len(res) + 1)
		chunk := append([]byte{}, res[src:src+n]...)
		res = grow(res, n, dst)
		copy(res[dst:], chunk)
	case OpCopyRange:
		if len(res) <= 1 {
			return res
		}
		src := m.rand(len(res))
		dst := m.rand(len(res))
		for dst == src {
			dst = m.rand(len(res))
		}
		n := m.chooseLen(len(res) - max(src, dst))
		copy(res[dst:dst+n], res[src:src+n])
	case OpFlipBit:
		if len(res) == 0 {
			return res
		}
		pos := m.rand(len(res))
		res[pos] ^= 1 << uint(m.rand(8))
	case OpFlipBits:
		if len(res) == 0 {
			return res
		}
		for n := m.rand(8) + 2; n > 0; n-- {
			pos := m.rand(len(res))
			res[pos] ^= 1 << uint(m.rand(8))
		}
	case OpSetByte:
		if len(res) == 0 {
			return res
		}
		pos := m.rand(len(res))
		res[pos] ^= byte(m.rand(255)) + 1
	case OpSwapBytes:
		if len(res) <= 1 {
			return res
		}
		src := m.rand(len(res))
		dst := m.rand(len(res))
		for dst == src {
			dst = m.rand(len(res))
		}
		res[src], res[dst] = res[dst], res[src]
	case OpAddSubByte:
		return m.arith(res, 1)
	case OpAddSubUint16:
		return m.arith(res, 2)
	case OpAddSubUint32:
		return m.arith(res, 4)
	case OpAddSubUint64:
		return m.arith(res, 8)
	case OpInterestingByte:
		if len(res) == 0 {
			return res
		}
		pos := m.rand(len(res))
		res[pos] = byte(interesting8[m.rand(len(interesting8))])
	case OpInterestingUint16:
		if len(res) < 2 {
			return res
		}
		pos := m.rand(len(res) - 1)
		v := uint16(interesting16[m.rand(len(interesting16))])
		m.order().PutUint16(res[pos:], v)
	case OpInterestingUint32:
		if len(res) < 4 {
			return res
		}
		pos := m.rand(len(res) - 3)
		v := uint32(interesting32[m.rand(len(interesting32))])
		m.order().PutUint32(res[pos:], v)
	case OpReplaceDigit:
		var digits []int
		for i, c := range res {
			if c >= '0' && c <= '9' {
				digits = append(digits, i)
			}
		}
		if len(digits) == 0 {
			return res
		}
		pos := digits[m.rand(len(digits))]
		was := res[pos]
		now := was
		for was == now {
			now = byte(m.rand(10)) + '0'
		}
		res[pos] = now
	case OpSplice:
		other := m.other(corpus)
		if len(other) == 0 && len(res) == 0 {
			return res
		}
		// Keep a prefix of res and continue with a suffix of other.
		cut := m.rand(len(res) + 1)
		from := m.rand(len(other) + 1)
		spliced := make([]byte, 0, cut+len(other)-from)
		spliced = append(spliced, res[:cut]...)
		spliced = append(spliced, other[from:]...)
		if len(spliced) > m.maxLen {
			spliced = spliced[:m.maxLen]
		}
		return spliced
	case OpInsertFromCorpus:
		other := m.other(corpus)
		if len(other) == 0 || len(res) >= m.maxLen {
			return res
		}
		src := m.rand(len(other))
		n := min(m.chooseLen(len(other)-src), m.maxLen-len(res))
		pos := m.rand(len(res) + 1)
		res = grow(res, n, pos)
		copy(res[pos:], other[src:src+n])
	case OpInsertToken:
		tok := m.dict.Random(m.r)
		if tok == nil || len(res)+len(tok) > m.maxLen {
			return res
		}
		pos := m.rand(len(res) + 1)
		res = grow(res, len(tok), pos)
		copy(res[pos:], tok)
	case OpReplaceToken:
		tok := m.dict.Random(m.r)
		if tok == nil || len(tok) > len(res) {
			return res
		}
		pos := m.rand(len(res) - len(tok) + 1)
		copy(res[pos:], tok)
	default:
		panic(fmt.Sprintf("unknown mutation %v", op))
	}
	return res
}

// arith adds or subtracts a small value to a width-byte integer.
func (m *Mutator) arith(res []byte, width int) []byte {
	if len(res) < width {
		return res
	}
	pos := m.rand(len(res) - width + 1)
	delta := uint64(m.rand(35) + 1)
	if m.randbool() {
		delta = -delta
	}
	b := res[pos : pos+width]
	order := m.order()
	switch width {
	case 1:
		b[0] += byte(delta)
	case 2:
		order.PutUint16(b, order.Uint16(b)+uint16(delta))
	case 4:
		order.PutUint32(b, order.Uint32(b)+uint32(delta))
	case 8:
		order.PutUint64(b, order.Uint64(b)+delta)
	}
	return res
}

func (m *Mutator) order() binary.ByteOrder {
	if m.randbool() {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (m *Mutator) other(corpus Source) []byte {
	if corpus == nil {
		return nil
	}
	return corpus.RandomData(m.r)
}

// grow opens a gap of n bytes at pos.
func grow(res []byte, n, pos int) []byte {
	for k := 0; k < n; k++ {
		res = append(res, 0)
	}
	copy(res[pos+n:], res[pos:])
	return res
}

var (
	interesting8  = []int8{-128, -1, 0, 1, 16, 32, 64, 100, 127}
	interesting16 = []int16{-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767}
	interesting32 = []int32{-2147483648, -100663046, -32769, 32768, 65535, 65536, 100663045, 2147483647}
)

func init() {
	for _, v := range interesting8 {
		interesting16 = append(interesting16, int16(v))
	}
	for _, v := range interesting16 {
		interesting32 = append(interesting32, int32(v))
	}
}
