// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cli implements the covfuzz command line.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/bradleyjkemp/covfuzz/pkg/config"
	"github.com/bradleyjkemp/covfuzz/pkg/dict"
	"github.com/bradleyjkemp/covfuzz/pkg/fuzzer"
	"github.com/bradleyjkemp/covfuzz/pkg/ipc"
	"github.com/bradleyjkemp/covfuzz/pkg/log"
	"github.com/bradleyjkemp/covfuzz/pkg/osutil"
	"github.com/bradleyjkemp/covfuzz/pkg/stat"
)

type Options struct {
	// Bin is the default target binary.
	Bin string
	// Funcs are the fuzz functions linked into the binary. A single one is the default -func.
	Funcs []string
	// Lookup resolves fuzz functions for in-process mode. Nil disables the mode.
	Lookup func(name string) func([]byte)

	Stdout io.Writer
	Stderr io.Writer
}

// Main runs the command line with args (without the program name) and returns the exit code.
func Main(args []string, opts Options) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	fs := flag.NewFlagSet("covfuzz", flag.ContinueOnError)
	fs.SetOutput(opts.Stderr)
	flagRepro := fs.String("repro", "", "run the target once on the input file and print the outcome")
	cfg, err := config.ParseWithDefaults(fs, args, func() *config.Config {
		cfg := config.Default()
		cfg.Bin = opts.Bin
		if len(opts.Funcs) == 1 {
			cfg.Func = opts.Funcs[0]
		}
		return cfg
	})
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(opts.Stderr, "covfuzz: %v\n", err)
		return 1
	}

	logger, err := log.New(cfg.Verbosity > 0)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "covfuzz: failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()
	log.SetLogger(logger)
	log.SetVerbosity(cfg.Verbosity)

	if err := run(cfg, opts, *flagRepro); err != nil {
		fmt.Fprintf(opts.Stderr, "covfuzz: %v\n", err)
		return 1
	}
	return 0
}

func run(cfg *config.Config, opts Options, repro string) error {
	ctx, cancel := osutil.HandleInterrupts(context.Background())
	defer cancel()

	newExecutor, err := executorFactory(cfg, opts)
	if err != nil {
		return err
	}
	if repro != "" {
		return reproduce(ctx, newExecutor, repro, opts.Stdout)
	}

	d, err := loadDict(cfg)
	if err != nil {
		return err
	}
	set := stat.NewSet()
	if cfg.HTTP != "" {
		go func() {
			if err := set.Serve(ctx, cfg.HTTP); err != nil {
				log.Errorf("failed to serve metrics: %v", err)
			}
		}()
		log.Logger().Info("serving metrics", zap.String("addr", "http://"+cfg.HTTP+"/metrics"))
	}
	f, err := fuzzer.New(cfg, fuzzer.Options{
		NewExecutor: newExecutor,
		Dict:        d,
		Stats:       set,
	})
	if err != nil {
		return err
	}
	sum, err := f.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.Stdout, "%v\n", sum)
	for _, rec := range f.Crashes().Records() {
		fmt.Fprintf(opts.Stdout, "crasher %v: %v (%v)\n", rec.Seq, f.Crashes().Path(rec.Data), rec.Fault.Title)
	}
	return nil
}

func executorFactory(cfg *config.Config, opts Options) (func(id int) (ipc.Executor, error), error) {
	if cfg.Mode == config.ModeInProc {
		if opts.Lookup == nil {
			return nil, fmt.Errorf("in-process mode needs the fuzz functions linked in (run the target binary built with fuzzdep.Main)")
		}
		fn := opts.Lookup(cfg.Func)
		if fn == nil {
			return nil, fmt.Errorf("unknown fuzz function %q, have: %v", cfg.Func, strings.Join(opts.Funcs, ", "))
		}
		return func(id int) (ipc.Executor, error) {
			return ipc.NewInProc(fn, cfg.Timeout), nil
		}, nil
	}
	bin := osutil.ExpandHomeDir(cfg.Bin)
	if !osutil.IsExist(bin) {
		return nil, fmt.Errorf("target binary %v does not exist", bin)
	}
	return func(id int) (ipc.Executor, error) {
		env, err := ipc.NewEnv(ipc.EnvOptions{
			Bin:        bin,
			Func:       cfg.Func,
			Timeout:    cfg.Timeout,
			TestOutput: cfg.TestOutput,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start %v: %w", bin, err)
		}
		return env, nil
	}, nil
}

func loadDict(cfg *config.Config) (*dict.Dict, error) {
	d := dict.New()
	for _, file := range cfg.Dict {
		n, err := d.LoadFile(osutil.ExpandHomeDir(file))
		if err != nil {
			return nil, err
		}
		log.Logf(0, "loaded %v tokens from %v", n, file)
	}
	if len(cfg.DictPackages) != 0 {
		lits, err := dict.FromPackages(cfg.DictPackages...)
		if err != nil {
			return nil, err
		}
		for _, lit := range lits {
			d.Add(lit)
		}
		log.Logf(0, "collected %v literals from %v", len(lits), strings.Join(cfg.DictPackages, " "))
	}
	if log.V(2) {
		for _, tok := range d.Tokens() {
			log.Logf(2, "dictionary token %q", tok)
		}
	}
	return d, nil
}

// reproduce runs the target once on the file. A crashing or hanging input is reported as an error.
func reproduce(ctx context.Context, newExecutor func(id int) (ipc.Executor, error), file string, out io.Writer) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	ex, err := newExecutor(0)
	if err != nil {
		return err
	}
	defer ex.Close()
	res, err := ex.Exec(ctx, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%v: %v", file, res.Status)
	if res.Skipped {
		fmt.Fprintf(out, " (skipped)")
	}
	fmt.Fprintf(out, "\n")
	if res.Fault == nil {
		return nil
	}
	out.Write(res.Fault.Output)
	return fmt.Errorf("%v: %v", res.Status, res.Fault.Title)
}
