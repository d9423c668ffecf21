// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipc

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bradleyjkemp/covfuzz/coverage"
	"github.com/bradleyjkemp/covfuzz/pkg/report"
)

// The coverage table is global, so in-process runs are serialized.
var inprocMu sync.Mutex

// InProc runs the target function in the engine process.
// A run that exceeds the timeout is abandoned: its goroutine keeps running
// and may still write to the coverage table.
type InProc struct {
	fn      func([]byte)
	timeout time.Duration
	cover   []byte
	execs   atomic.Uint64
}

func NewInProc(fn func([]byte), timeout time.Duration) *InProc {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &InProc{
		fn:      fn,
		timeout: timeout,
		cover:   make([]byte, coverage.CoverSize),
	}
}

type outcome struct {
	panicked bool
	val      any
	stack    []byte
}

func (p *InProc) Exec(ctx context.Context, data []byte) (*Result, error) {
	if len(data) > coverage.MaxInputSize {
		return nil, fmt.Errorf("input is too large: %v bytes", len(data))
	}
	if ctx.Err() != nil {
		return &Result{Status: StatusKilled}, nil
	}
	inprocMu.Lock()
	defer inprocMu.Unlock()
	p.execs.Add(1)
	input := append(make([]byte, 0, len(data)), data...)
	skipped.Store(false)
	coverage.Reset()
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		panicked := true
		defer func() {
			if !panicked {
				done <- outcome{}
				return
			}
			// A nil recover here means runtime.Goexit.
			r := recover()
			done <- outcome{panicked: r != nil, val: r, stack: debug.Stack()}
		}()
		p.fn(input)
		panicked = false
	}()
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		res := &Result{
			Status:   StatusCompleted,
			Skipped:  skipped.Load(),
			Duration: time.Since(start),
			Cover:    p.snapshot(),
		}
		if o.panicked {
			res.Status = StatusCrashed
			res.Fault = report.Parse(panicOutput(o.val, o.stack))
		}
		return res, nil
	case <-timer.C:
		return &Result{
			Status:   StatusTimedOut,
			Duration: time.Since(start),
			Cover:    p.snapshot(),
			Fault:    hangFault(p.timeout, nil),
		}, nil
	case <-ctx.Done():
		return &Result{Status: StatusKilled, Duration: time.Since(start)}, nil
	}
}

func (p *InProc) snapshot() []byte {
	copy(p.cover, coverage.CoverTab[:])
	return p.cover
}

// Stats returns the number of executions. The target is never restarted.
func (p *InProc) Stats() (execs, restarts uint64) {
	return p.execs.Load(), 0
}

func (p *InProc) Close() error {
	return nil
}

// panicOutput renders a recovered panic the way the runtime prints an unrecovered one,
// including the signal line for memory faults.
func panicOutput(v any, stack []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "panic: %v\n", v)
	if addr, ok := faultAddr(v); ok {
		fmt.Fprintf(&buf, "[signal SIGSEGV: segmentation violation addr=%#x pc=0x0]\n", addr)
	}
	buf.WriteString("\n")
	buf.Write(stack)
	return buf.Bytes()
}

func faultAddr(v any) (uintptr, bool) {
	if e, ok := v.(interface{ Addr() uintptr }); ok {
		return e.Addr(), true
	}
	err, ok := v.(error)
	if !ok {
		return 0, false
	}
	msg := err.Error()
	return 0, strings.Contains(msg, "nil pointer dereference") || strings.Contains(msg, "invalid memory address")
}
