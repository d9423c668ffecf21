// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package report extracts fault information from the output of a crashed target.
package report

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/maruel/panicparse/stack"
)

// Fault describes why a run did not complete.
type Fault struct {
	Signal string // SIGSEGV, SIGABRT, ... or "panic" for faults without a signal
	Addr   uint64 // faulting memory address, when known
	PC     uint64
	Title  string // first line of the crash message
	Output []byte
	// Suppression identifies the crash site. Crashes with equal suppressions
	// are treated as duplicates.
	Suppression []byte
}

const SignalPanic = "panic"

var signalRe = regexp.MustCompile(`\[signal (SIG[A-Z]+)[^\]]*?(?: addr=(0x[0-9a-fA-F]+))?(?: pc=(0x[0-9a-fA-F]+))?\]`)

// Parse builds a Fault from crash output.
func Parse(output []byte) *Fault {
	f := &Fault{
		Signal: SignalPanic,
		Output: output,
	}
	f.Title = title(output)
	if m := signalRe.FindSubmatch(output); m != nil {
		f.Signal = string(m[1])
		f.Addr = parseHex(m[2])
		f.PC = parseHex(m[3])
	} else if strings.HasPrefix(f.Title, "SIG") {
		f.Signal, _, _ = strings.Cut(f.Title, ":")
	}
	f.Suppression = Suppression(output)
	return f
}

func parseHex(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	v, _ := strconv.ParseUint(string(b), 0, 64)
	return v
}

func isCrashLine(line string) bool {
	return strings.HasPrefix(line, "panic: ") ||
		strings.HasPrefix(line, "fatal error: ") ||
		strings.HasPrefix(line, "SIG") && strings.Contains(line, ": ") ||
		strings.HasPrefix(line, "program hanged")
}

func title(out []byte) string {
	s := bufio.NewScanner(bytes.NewReader(out))
	s.Buffer(nil, 1<<20)
	for s.Scan() {
		if line := s.Text(); isCrashLine(line) {
			return line
		}
	}
	return ""
}

// Summary is the human readable description stored next to a crasher.
func (f *Fault) Summary(iteration uint64, at time.Time, hanging bool) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "title: %v\n", f.Title)
	fmt.Fprintf(&buf, "signal: %v\n", f.Signal)
	fmt.Fprintf(&buf, "addr: %#x\n", f.Addr)
	fmt.Fprintf(&buf, "pc: %#x\n", f.PC)
	fmt.Fprintf(&buf, "hanging: %v\n", hanging)
	fmt.Fprintf(&buf, "iteration: %v\n", iteration)
	fmt.Fprintf(&buf, "time: %v\n", at.Format(time.RFC3339Nano))
	return buf.Bytes()
}

// Suppression returns a stable identifier of the crash site:
// the crash message followed by the source line of the faulting frame
// and the functions of the target above it.
// Goroutine ids, addresses and argument values are left out.
func Suppression(out []byte) []byte {
	head := firstCrashLine(out)
	if head == "SIGABRT: abort" || strings.HasPrefix(head, "program hanged") {
		return []byte(head) // timeout stacks are flaky
	}
	if supp := stackSuppression(out); supp != nil {
		return append([]byte(normalizeTitle(head)), supp...)
	}
	return textSuppression(out)
}

func firstCrashLine(out []byte) string {
	return title(out)
}

var hexRe = regexp.MustCompile(`0x[0-9a-fA-F]+`)

// normalizeTitle removes values that differ between runs of the same bug.
func normalizeTitle(t string) string {
	return hexRe.ReplaceAllString(t, "0x?")
}

func stackSuppression(out []byte) []byte {
	ctx, err := stack.ParseDump(bytes.NewReader(out), io.Discard, false)
	if err != nil || ctx == nil {
		return nil
	}
	for _, gr := range ctx.Goroutines {
		if !gr.First {
			continue
		}
		calls := gr.Stack.Calls
		start := 0
		for i, c := range calls {
			if isPanicFrame(c.Func.Raw) {
				start = i + 1
			}
		}
		var supp []byte
		for i, c := range calls[start:] {
			if isHarnessFrame(c.Func.Raw) || isRuntimeFrame(c.Func.Raw) {
				break
			}
			if i == 0 {
				// First part of suppression includes the line number.
				supp = append(supp, "\n"+c.FullSrcLine()...)
			}
			supp = append(supp, "\n"+c.Func.PkgDotName()...)
		}
		if len(supp) == 0 {
			return nil
		}
		return supp
	}
	return nil
}

func isPanicFrame(fn string) bool {
	return fn == "panic" || strings.HasPrefix(fn, "runtime.gopanic") ||
		strings.HasPrefix(fn, "runtime.panic") || strings.HasPrefix(fn, "runtime.sigpanic") ||
		strings.HasPrefix(fn, "runtime.goPanic")
}

func isRuntimeFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") || strings.HasPrefix(fn, "runtime/") ||
		strings.HasPrefix(fn, "testing.")
}

// isHarnessFrame reports frames of the code that calls into the target.
func isHarnessFrame(fn string) bool {
	return strings.Contains(fn, "/covfuzz/pkg/ipc.") || strings.Contains(fn, "/covfuzz/fuzzdep.")
}

// textSuppression is used when the output is not a parsable goroutine dump.
func textSuppression(out []byte) []byte {
	var supp []byte
	seenPanic := false
	collect := false
	s := bufio.NewScanner(bytes.NewReader(out))
	s.Buffer(nil, 1<<20)
	for s.Scan() {
		line := s.Text()
		if !seenPanic && isCrashLine(line) {
			// Start of a crash message.
			seenPanic = true
			supp = append(supp, normalizeTitle(line)...)
			supp = append(supp, '\n')
		}
		if collect && line == "runtime stack:" {
			// Skip runtime stack.
			// Unless it is a runtime bug, user stack is more descriptive.
			collect = false
		}
		if collect && len(line) > 0 && (line[0] >= 'a' && line[0] <= 'z' ||
			line[0] >= 'A' && line[0] <= 'Z') {
			// Function name line.
			if idx := strings.LastIndex(line, "("); idx != -1 {
				supp = append(supp, line[:idx]...)
				supp = append(supp, '\n')
			}
		}
		if collect && line == "" {
			// End of first goroutine stack.
			break
		}
		if seenPanic && !collect && line == "" {
			// Start of first goroutine stack.
			collect = true
		}
	}
	if len(supp) == 0 {
		supp = out
	}
	return supp
}
