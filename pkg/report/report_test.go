// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package report

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const nilDeref = `panic: runtime error: invalid memory address or nil pointer dereference
[signal SIGSEGV: segmentation violation code=0x1 addr=0x0 pc=0x4a2b3c]

goroutine 1 [running]:
example.com/target.parse(...)
	/src/target/parse.go:42
example.com/target.Fuzz({0xc000012345, 0xa, 0xa})
	/src/target/fuzz.go:10 +0x1d
github.com/bradleyjkemp/covfuzz/fuzzdep.Fuzz(0x4c5d60)
	/src/covfuzz/fuzzdep/fuzzdep.go:50 +0x3c
main.main()
	/src/target/main.go:8 +0x25
exit status 2
`

const indexPanic = `panic: runtime error: index out of range [5] with length 3

goroutine 1 [running]:
example.com/target.Fuzz({0xc000012345, 0x3, 0x3})
	/src/target/fuzz.go:17 +0x1d
github.com/bradleyjkemp/covfuzz/fuzzdep.Fuzz(0x4c5d60)
	/src/covfuzz/fuzzdep/fuzzdep.go:50 +0x3c
main.main()
	/src/target/main.go:8 +0x25
exit status 2
`

func TestParseSignal(t *testing.T) {
	f := Parse([]byte(nilDeref))
	assert.Equal(t, "SIGSEGV", f.Signal)
	assert.Equal(t, uint64(0), f.Addr)
	assert.Equal(t, uint64(0x4a2b3c), f.PC)
	assert.Equal(t, "panic: runtime error: invalid memory address or nil pointer dereference", f.Title)
	assert.NotEmpty(t, f.Suppression)

	f = Parse([]byte("panic: runtime error: invalid memory address or nil pointer dereference\n" +
		"[signal SIGBUS: bus error code=0x2 addr=0x7f0000001000 pc=0x10]\n"))
	assert.Equal(t, "SIGBUS", f.Signal)
	assert.Equal(t, uint64(0x7f0000001000), f.Addr)
	assert.Equal(t, uint64(0x10), f.PC)
}

func TestParsePanic(t *testing.T) {
	f := Parse([]byte(indexPanic))
	assert.Equal(t, SignalPanic, f.Signal)
	assert.Equal(t, "panic: runtime error: index out of range [5] with length 3", f.Title)

	f = Parse([]byte("SIGABRT: abort\nPC=0x46b2c1 m=0 sigcode=0\n\ngoroutine 1 [running]:\n"))
	assert.Equal(t, "SIGABRT", f.Signal)
	assert.Equal(t, []byte("SIGABRT: abort"), f.Suppression)
}

func TestSuppressionStable(t *testing.T) {
	other := strings.NewReplacer(
		"goroutine 1 ", "goroutine 17 ",
		"0xc000012345", "0xc0000aaaaa",
		"+0x1d", "+0x2e",
		"pc=0x4a2b3c", "pc=0x4a2b99",
	).Replace(nilDeref)
	assert.Equal(t, Suppression([]byte(nilDeref)), Suppression([]byte(other)))
	assert.NotEqual(t, Suppression([]byte(nilDeref)), Suppression([]byte(indexPanic)))
}

func TestSuppressionGarbage(t *testing.T) {
	out := []byte("something that is not a go crash")
	assert.Equal(t, out, Suppression(out))
}

func TestSummary(t *testing.T) {
	f := Parse([]byte(nilDeref))
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	sum := string(f.Summary(1234, at, false))
	assert.Contains(t, sum, "signal: SIGSEGV\n")
	assert.Contains(t, sum, "addr: 0x0\n")
	assert.Contains(t, sum, "iteration: 1234\n")
	assert.Contains(t, sum, "time: 2024-01-02T03:04:05Z\n")
}
