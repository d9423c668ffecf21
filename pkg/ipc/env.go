// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bradleyjkemp/covfuzz/coverage"
	"github.com/bradleyjkemp/covfuzz/pkg/log"
	"github.com/bradleyjkemp/covfuzz/pkg/osutil"
	"github.com/bradleyjkemp/covfuzz/pkg/report"
)

const (
	commSize = coverage.CoverSize + coverage.MaxInputSize

	// testeeBufferSize is how much output a test binary can emit
	// before we start to overwrite old output.
	testeeBufferSize = 1 << 20

	// The test binary can accumulate significant amount of memory,
	// so we recreate it periodically.
	defaultRecycle = 10000

	startRetries = 3
	writeRetries = 3
)

type EnvOptions struct {
	Bin  string
	Args []string
	Env  []string // extra environment variables
	Func string   // passed to the testee in FuncEnv

	Timeout   time.Duration
	KillGrace time.Duration // between SIGABRT and SIGKILL of a hung testee

	// TestOutput forwards testee output to stdout, for debugging of testee failures.
	TestOutput bool
	// RecycleAfter restarts the testee after that many executions.
	RecycleAfter int
}

// Env handles communication with and restarting of testee subprocesses.
type Env struct {
	opts        EnvOptions
	comm        *os.File
	coverRegion []byte
	inputRegion []byte
	mem         []byte

	testee       *testee
	testeeBuffer []byte // reusable buffer for collecting testee output

	execs    atomic.Uint64
	restarts atomic.Uint64
}

// NewEnv creates the comm file and starts the first testee,
// so that a binary which is not a testee is detected before any input runs.
func NewEnv(opts EnvOptions) (*Env, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = time.Second
	}
	if opts.RecycleAfter <= 0 {
		opts.RecycleAfter = defaultRecycle
	}
	comm, mem, err := osutil.CreateMemMappedFile(commSize)
	if err != nil {
		return nil, err
	}
	env := &Env{
		opts:         opts,
		comm:         comm,
		mem:          mem,
		coverRegion:  mem[:coverage.CoverSize],
		inputRegion:  mem[coverage.CoverSize:],
		testeeBuffer: make([]byte, testeeBufferSize),
	}
	if err := env.start(); err != nil {
		osutil.CloseMemMappedFile(comm, mem)
		return nil, err
	}
	return env, nil
}

func (env *Env) Close() error {
	if env.testee != nil {
		env.testee.shutdown()
		env.testee = nil
	}
	return osutil.CloseMemMappedFile(env.comm, env.mem)
}

// Stats returns the number of executions and testee starts so far.
func (env *Env) Stats() (execs, restarts uint64) {
	return env.execs.Load(), env.restarts.Load()
}

func (env *Env) start() error {
	var err error
	for try := 0; try < startRetries; try++ {
		env.restarts.Add(1)
		env.testee, err = newTestee(env.opts, env.comm, env.testeeBuffer)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		// This can be a transient failure like "cannot allocate memory" or "text file is busy".
		log.Logf(0, "failed to start test binary: %v", err)
		time.Sleep(time.Second)
	}
	return err
}

func isTransient(err error) bool {
	return !errors.Is(err, ErrNoInstrumentation)
}

func (env *Env) Exec(ctx context.Context, data []byte) (*Result, error) {
	if len(data) > coverage.MaxInputSize {
		return nil, fmt.Errorf("input is too large: %v bytes", len(data))
	}
	for retries := 0; ; retries++ {
		if ctx.Err() != nil {
			return &Result{Status: StatusKilled}, nil
		}
		if env.testee == nil {
			if err := env.start(); err != nil {
				return nil, err
			}
		}
		if env.testee.execs >= env.opts.RecycleAfter {
			env.testee.shutdown()
			env.testee = nil
			continue
		}
		env.execs.Add(1)
		copy(env.inputRegion, data)
		res, retry := env.testee.exec(ctx, len(data))
		if retry {
			env.testee.shutdown()
			env.testee = nil
			if retries >= writeRetries {
				return nil, fmt.Errorf("testee keeps failing to accept inputs")
			}
			continue
		}
		if res.Status == StatusCompleted {
			res.Cover = env.coverRegion
			return res, nil
		}
		output, state := env.testee.shutdown()
		env.testee = nil
		switch res.Status {
		case StatusTimedOut:
			res.Fault = hangFault(env.opts.Timeout, output)
		case StatusCrashed:
			res.Fault = crashFault(output, state)
		}
		res.Cover = env.coverRegion
		return res, nil
	}
}

// crashFault adds the exit signal when the output does not explain the crash.
func crashFault(output []byte, state *os.ProcessState) *report.Fault {
	f := report.Parse(output)
	if f.Title != "" || state == nil {
		return f
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		f.Signal = unix.SignalName(ws.Signal())
	}
	f.Title = state.String()
	return f
}

// testee is a wrapper around one testee subprocess.
// It manages communication with the testee, timeouts and output collection.
type testee struct {
	cmd        *exec.Cmd
	inPipe     *os.File // testee -> engine
	outPipe    *os.File // engine -> testee
	stdoutPipe *os.File
	writebuf   [8]byte  // reusable write buffer
	resbuf     [16]byte // reusable results buffer
	execs      int
	startTime  atomic.Int64
	outputC    chan []byte
	downC      chan bool
	down       bool
}

func newTestee(opts EnvOptions, comm *os.File, buffer []byte) (*testee, error) {
	rIn, wIn, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe: %w", err)
	}
	rOut, wOut, err := os.Pipe()
	if err != nil {
		rIn.Close()
		wIn.Close()
		return nil, fmt.Errorf("failed to pipe: %w", err)
	}
	rStdout, wStdout, err := os.Pipe()
	if err != nil {
		rIn.Close()
		wIn.Close()
		rOut.Close()
		wOut.Close()
		return nil, fmt.Errorf("failed to pipe: %w", err)
	}
	cmd := exec.Command(opts.Bin, opts.Args...)
	if opts.TestOutput {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stdout
	} else {
		cmd.Stdout = wStdout
		cmd.Stderr = wStdout
	}
	cmd.Env = append([]string{}, os.Environ()...)
	cmd.Env = append(cmd.Env, opts.Env...)
	cmd.Env = append(cmd.Env, "GOTRACEBACK=1", TesteeEnv+"=1", FuncEnv+"="+opts.Func)
	// fd 3: comm file, fd 4: inputs, fd 5: results.
	cmd.ExtraFiles = []*os.File{comm, rOut, wIn}
	if err = cmd.Start(); err != nil {
		rIn.Close()
		wIn.Close()
		rOut.Close()
		wOut.Close()
		rStdout.Close()
		wStdout.Close()
		return nil, fmt.Errorf("failed to start test binary: %w", err)
	}
	rOut.Close()
	wIn.Close()
	wStdout.Close()
	t := &testee{
		cmd:        cmd,
		inPipe:     rIn,
		outPipe:    wOut,
		stdoutPipe: rStdout,
		outputC:    make(chan []byte),
		downC:      make(chan bool),
	}
	go t.readOutput(buffer)
	if err := t.handshake(opts.Timeout + 10*time.Second); err != nil {
		out, _ := t.shutdown()
		log.Logf(1, "testee output:\n%s", out)
		return nil, err
	}
	go t.watchHang(opts.Timeout, opts.KillGrace)
	return t, nil
}

// readOutput collects crash output.
// The testee should not output unless it crashes. But if it does, it can
// overflow the stdout pipe and deadlock, so the pipe is drained continuously
// into a buffer that keeps the tail of the output.
func (t *testee) readOutput(data []byte) {
	filled := 0
	for {
		n, err := t.stdoutPipe.Read(data[filled:])
		if n > 0 && log.V(3) {
			log.VerboseWriter(3).Write(data[filled : filled+n])
		}
		filled += n
		if filled > len(data)/4*3 {
			copy(data, data[len(data)/2:filled])
			filled -= len(data) / 2
		}
		if err != nil {
			break
		}
	}
	trimmed := make([]byte, filled)
	copy(trimmed, data)
	t.outputC <- trimmed
}

func (t *testee) handshake(timeout time.Duration) error {
	t.inPipe.SetReadDeadline(time.Now().Add(timeout))
	defer t.inPipe.SetReadDeadline(time.Time{})
	if _, err := io.ReadFull(t.inPipe, t.resbuf[:]); err != nil {
		return fmt.Errorf("%w: handshake failed: %v", ErrNoInstrumentation, err)
	}
	magic := binary.LittleEndian.Uint64(t.resbuf[:])
	size := binary.LittleEndian.Uint64(t.resbuf[8:])
	if magic != handshakeMagic {
		return fmt.Errorf("%w: bad handshake magic %#x", ErrNoInstrumentation, magic)
	}
	if size != coverage.CoverSize {
		return fmt.Errorf("%w: testee cover size %v, want %v", ErrNoInstrumentation, size, coverage.CoverSize)
	}
	return nil
}

// watchHang aborts the testee when an input runs for longer than timeout.
// SIGABRT makes the Go runtime dump all goroutines; SIGKILL follows in case it does not exit.
func (t *testee) watchHang(timeout, grace time.Duration) {
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if t.expire(t.startTime.Load(), time.Now(), timeout) {
				t.cmd.Process.Signal(syscall.SIGABRT)
				select {
				case <-time.After(grace):
					t.cmd.Process.Signal(syscall.SIGKILL)
				case <-t.downC:
				}
				return
			}
		case <-t.downC:
			return
		}
	}
}

// expire marks the run that started at start as hung if it is older than timeout.
// It fails if that run has finished in the meantime, then the testee is idle.
func (t *testee) expire(start int64, now time.Time, timeout time.Duration) bool {
	if start <= 0 || now.UnixNano()-start <= int64(timeout) {
		return false
	}
	return t.startTime.CompareAndSwap(start, -1)
}

// exec runs the input of size n that is already in the input region.
// retry is set when the testee died before it received the input.
func (t *testee) exec(ctx context.Context, n int) (res *Result, retry bool) {
	t.execs++
	t.startTime.Store(time.Now().UnixNano())
	stop := context.AfterFunc(ctx, func() {
		t.cmd.Process.Kill()
	})
	defer stop()
	binary.LittleEndian.PutUint64(t.writebuf[:], uint64(n))
	if _, err := t.outPipe.Write(t.writebuf[:]); err != nil {
		log.Logf(1, "write to testee failed: %v", err)
		t.startTime.Store(0)
		if ctx.Err() != nil {
			return &Result{Status: StatusKilled}, false
		}
		return nil, true
	}
	// Once we do the write, the test is running.
	// Once we read the reply below, the test is done.
	_, err := io.ReadFull(t.inPipe, t.resbuf[:])
	hanged := t.startTime.Swap(0) == -1
	switch {
	case hanged:
		return &Result{Status: StatusTimedOut}, false
	case err != nil && ctx.Err() != nil:
		return &Result{Status: StatusKilled}, false
	case err != nil:
		return &Result{Status: StatusCrashed}, false
	}
	flags := binary.LittleEndian.Uint64(t.resbuf[:])
	return &Result{
		Status:   StatusCompleted,
		Skipped:  flags&flagSkipped != 0,
		Duration: time.Duration(binary.LittleEndian.Uint64(t.resbuf[8:])),
	}, false
}

func (t *testee) shutdown() (output []byte, state *os.ProcessState) {
	if t.down {
		panic("testee is already shutdown")
	}
	t.down = true
	t.cmd.Process.Kill() // it is probably already dead, but kill it again to be sure
	close(t.downC)
	out := <-t.outputC
	if err := t.cmd.Wait(); err != nil {
		out = append(out, err.Error()...)
	}
	t.inPipe.Close()
	t.outPipe.Close()
	t.stdoutPipe.Close()
	return out, t.cmd.ProcessState
}
