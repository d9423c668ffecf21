// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzdep is linked into fuzz targets.
//
// A target registers its fuzz functions and calls Main:
//
//	func main() {
//		fuzzdep.Register("Parse", func(data []byte) { parse(data) })
//		fuzzdep.Main()
//	}
//
// Run without arguments the binary fuzzes itself: it acts as the engine and
// spawns copies of itself as testees. A hand written loop can use NextInput
// (or Fuzz and FuzzValue) instead of Main; outside of the engine NextInput
// returns standard input once, so that ./target < crasher replays a crash.
package fuzzdep

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	fuzz "github.com/AdaLogics/go-fuzz-headers"

	"github.com/bradleyjkemp/covfuzz/internal/cli"
	"github.com/bradleyjkemp/covfuzz/pkg/ipc"
)

var (
	mu    sync.Mutex
	funcs = make(map[string]func([]byte))
	// Set after standard input was returned by NextInput.
	stdinDone bool
)

// Register makes fn available to the engine under name.
func Register(name string, fn func([]byte)) {
	mu.Lock()
	defer mu.Unlock()
	if name == "" || fn == nil {
		panic("fuzzdep: empty fuzz function")
	}
	if funcs[name] != nil {
		panic(fmt.Sprintf("fuzzdep: fuzz function %q registered twice", name))
	}
	funcs[name] = fn
}

// RegisterValue registers a fuzz function taking a structured value decoded from the input.
func RegisterValue[T any](name string, fn func(T)) {
	Register(name, func(data []byte) {
		v, ok := Value[T](data)
		if !ok {
			ipc.SkipIteration()
			return
		}
		fn(v)
	})
}

func Lookup(name string) func([]byte) {
	mu.Lock()
	defer mu.Unlock()
	return funcs[name]
}

// Names returns registered fuzz functions in sorted order.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	var names []string
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NextInput blocks until the next input is available and returns it.
// The previous input is considered done. The process exits when there are no more inputs.
func NextInput() []byte {
	if ipc.IsTestee() {
		t, err := ipc.CurrentTestee()
		if err != nil {
			fmt.Fprintf(os.Stderr, "fuzzdep: %v\n", err)
			os.Exit(1)
		}
		data, ok := t.Next()
		if !ok {
			os.Exit(0)
		}
		return data
	}
	data, ok, err := readOnce(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fuzzdep: failed to read input: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(0)
	}
	return data
}

func readOnce(r io.Reader) ([]byte, bool, error) {
	mu.Lock()
	defer mu.Unlock()
	if stdinDone {
		return nil, false, nil
	}
	stdinDone = true
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Fuzz runs one iteration of fn.
func Fuzz(fn func([]byte)) {
	fn(NextInput())
}

// FuzzValue runs one iteration of fn on a value decoded from the input.
// Inputs that cannot be decoded are skipped.
func FuzzValue[T any](fn func(T)) {
	v, ok := Value[T](NextInput())
	if !ok {
		ipc.SkipIteration()
		return
	}
	fn(v)
}

// Value decodes a T from data.
func Value[T any](data []byte) (T, bool) {
	var v T
	if err := fuzz.NewConsumer(data).GenerateStruct(&v); err != nil {
		return v, false
	}
	return v, true
}

// Main serves the fuzz function selected by the engine when running as a testee,
// and runs the covfuzz command line on this binary otherwise.
func Main() {
	if ipc.IsTestee() {
		name := os.Getenv(ipc.FuncEnv)
		fn := Lookup(name)
		if fn == nil {
			fmt.Fprintf(os.Stderr, "fuzzdep: unknown fuzz function %q\n", name)
			os.Exit(1)
		}
		ipc.Serve(fn)
	}
	bin, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fuzzdep: %v\n", err)
		os.Exit(1)
	}
	os.Exit(cli.Main(os.Args[1:], cli.Options{
		Bin:    bin,
		Funcs:  Names(),
		Lookup: Lookup,
	}))
}
