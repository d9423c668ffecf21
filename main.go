// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// covfuzz fuzzes a target binary built with fuzzdep.Main.
//
// Usage:
//
//	covfuzz -bin=./target -workdir=./work [-func=Parse] [-procs=N]
//	covfuzz -bin=./target -repro=./work/crashers/<sha1>
//
// Targets that link fuzzdep.Main accept the same flags directly and can also
// fuzz in-process with -mode=inproc.
package main

import (
	"os"

	"github.com/bradleyjkemp/covfuzz/internal/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:], cli.Options{}))
}
