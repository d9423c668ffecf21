// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package ipc runs the target on a single input and reports what happened.
//
// Two executors are provided. Env runs the target in a testee subprocess that
// shares its coverage table with the engine through a memory mapped file;
// a crash or hang only costs a process restart. InProc calls the target
// function directly on a fresh goroutine; it is much faster but a target that
// hangs or corrupts the runtime takes the engine down with it.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bradleyjkemp/covfuzz/pkg/report"
	"github.com/bradleyjkemp/covfuzz/pkg/signal"
)

type Status int

const (
	StatusCompleted Status = iota
	StatusCrashed
	StatusTimedOut
	StatusKilled // the session was cancelled while the input was running
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCrashed:
		return "crashed"
	case StatusTimedOut:
		return "timed out"
	case StatusKilled:
		return "killed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result is the outcome of one execution.
type Result struct {
	Status Status
	// Skipped is set when the target rejected the input (e.g. it could not be decoded).
	Skipped bool
	// Cover is the raw coverage table of the run. It is owned by the executor
	// and is only valid until its next Exec.
	Cover    []byte
	Duration time.Duration
	Fault    *report.Fault // set for crashed and timed out runs
}

// Signal captures the coverage signature of the run.
func (r *Result) Signal(counters bool) signal.Signal {
	return signal.FromCover(r.Cover, counters)
}

type Executor interface {
	// Exec runs the target on data. A non-nil error means the executor
	// itself is broken; faults of the target are reported in Result.Status.
	Exec(ctx context.Context, data []byte) (*Result, error)
	Close() error
}

// ErrNoInstrumentation is returned when the target binary does not talk the testee protocol.
var ErrNoInstrumentation = errors.New("binary does not serve covfuzz inputs (not built with fuzzdep.Main?)")

const (
	// TesteeEnv is set in the environment of testee processes.
	TesteeEnv = "COVFUZZ_TESTEE"
	// FuncEnv names the fuzz function a testee should serve.
	FuncEnv = "COVFUZZ_FUNC"
)

const (
	handshakeMagic uint64 = 0x7a7a7566766f63 // "covfuzz"
	flagSkipped    uint64 = 1 << 0
)

var skipped atomic.Bool

// SkipIteration marks the current input as not interesting, regardless of the coverage it produced.
func SkipIteration() {
	skipped.Store(true)
}

// IterationSkipped reports whether SkipIteration was called for the current input.
func IterationSkipped() bool {
	return skipped.Load()
}

func hangFault(timeout time.Duration, output []byte) *report.Fault {
	hdr := fmt.Sprintf("program hanged (timeout %v)\n\n", timeout)
	f := report.Parse(append([]byte(hdr), output...))
	f.Signal = "SIGABRT"
	return f
}
