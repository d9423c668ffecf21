// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/bradleyjkemp/covfuzz/coverage"
	"github.com/bradleyjkemp/covfuzz/pkg/osutil"
)

// Testee is the target side of the process executor.
type Testee struct {
	input   []byte
	inFD    *os.File
	outFD   *os.File
	started time.Time
	running bool
	buf     [16]byte
}

var (
	testeeOnce sync.Once
	testeeInst *Testee
	testeeErr  error
)

// IsTestee reports whether the process was started by the engine.
func IsTestee() bool {
	return os.Getenv(TesteeEnv) != ""
}

// CurrentTestee connects to the engine on first use.
func CurrentTestee() (*Testee, error) {
	testeeOnce.Do(func() {
		testeeInst, testeeErr = connect()
	})
	return testeeInst, testeeErr
}

func connect() (*Testee, error) {
	comm := os.NewFile(3, "comm")
	inFD := os.NewFile(4, "in")
	outFD := os.NewFile(5, "out")
	if comm == nil || inFD == nil || outFD == nil {
		return nil, fmt.Errorf("testee descriptors are missing")
	}
	mem, err := osutil.MapFile(comm, commSize)
	if err != nil {
		return nil, err
	}
	coverage.CoverTab = (*[coverage.CoverSize]byte)(mem[:coverage.CoverSize])
	runtime.GOMAXPROCS(1) // makes coverage more deterministic, we parallelize on higher level
	t := &Testee{
		input: mem[coverage.CoverSize:commSize],
		inFD:  inFD,
		outFD: outFD,
	}
	t.write(handshakeMagic, coverage.CoverSize)
	return t, nil
}

// Next reports the result of the previous input, if any, and blocks until
// the engine sends the next one. ok is false when the engine is gone.
// The returned slice is only valid until the following call.
func (t *Testee) Next() (data []byte, ok bool) {
	if t.running {
		var flags uint64
		if skipped.Load() {
			flags |= flagSkipped
		}
		t.write(flags, uint64(time.Since(t.started)))
		t.running = false
	}
	if _, err := io.ReadFull(t.inFD, t.buf[:8]); err != nil {
		return nil, false
	}
	n := binary.LittleEndian.Uint64(t.buf[:8])
	if n > uint64(len(t.input)) {
		fmt.Fprintln(os.Stderr, "invalid input length")
		os.Exit(1)
	}
	skipped.Store(false)
	coverage.Reset()
	t.running = true
	t.started = time.Now()
	return t.input[:n:n], true
}

func (t *Testee) write(a, b uint64) {
	binary.LittleEndian.PutUint64(t.buf[:], a)
	binary.LittleEndian.PutUint64(t.buf[8:], b)
	if _, err := t.outFD.Write(t.buf[:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write to engine: %v\n", err)
		os.Exit(1)
	}
}

// Serve runs fn on every input sent by the engine and exits when the engine goes away.
func Serve(fn func([]byte)) {
	t, err := CurrentTestee()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	for {
		data, ok := t.Next()
		if !ok {
			os.Exit(0)
		}
		fn(data)
	}
}
