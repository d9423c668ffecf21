// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config holds the settings of a fuzzing session.
// Settings come from an optional YAML file and from command line flags;
// flags given explicitly override the file.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bradleyjkemp/covfuzz/pkg/mutator"
	"github.com/bradleyjkemp/covfuzz/pkg/osutil"
)

const (
	ModeProcess = "process"
	ModeInProc  = "inproc"
)

type Config struct {
	// Dir with persistent work data: corpus/, crashers/ and suppressions/.
	Workdir string `yaml:"workdir"`
	// Test binary built with fuzzdep.Main.
	Bin string `yaml:"bin"`
	// Function to fuzz, for binaries that register several.
	Func string `yaml:"func"`
	// How the target is run: "process" (a testee subprocess per worker) or "inproc".
	Mode  string `yaml:"mode"`
	Procs int    `yaml:"procs"`

	Timeout time.Duration `yaml:"timeout"`
	// Stop after that many mutated inputs were executed. Zero means no limit.
	Iterations uint64 `yaml:"iterations"`
	// Stop after that much time. Zero means no limit.
	Duration time.Duration `yaml:"duration"`
	// Seed of the random streams. Zero means a seed derived from the current time.
	Seed int64 `yaml:"seed"`

	// Time limit for minimization of new inputs. Zero disables it.
	Minimize        time.Duration `yaml:"minimize"`
	MinimizeCrashes bool          `yaml:"minimizeCrashes"`
	Smash           bool          `yaml:"smash"`
	// Collect duplicate crashers.
	Dup           bool     `yaml:"dup"`
	CoverCounters bool     `yaml:"coverCounters"`
	Ops           []string `yaml:"ops"`
	MaxLen        int      `yaml:"maxLen"`

	// AFL style dictionary files.
	Dict []string `yaml:"dict"`
	// Go packages whose literals seed the dictionary.
	DictPackages []string `yaml:"dictPackages"`
	// Additional dirs with initial inputs. They are read, not written.
	Seeds []string `yaml:"seeds"`

	// Address to serve Prometheus metrics on.
	HTTP       string `yaml:"http"`
	Verbosity  int    `yaml:"verbosity"`
	TestOutput bool   `yaml:"testOutput"`
}

func Default() *Config {
	return &Config{
		Workdir:       ".",
		Mode:          ModeProcess,
		Procs:         runtime.NumCPU(),
		Timeout:       10 * time.Second,
		Minimize:      time.Minute,
		Smash:         true,
		CoverCounters: true,
	}
}

func LoadFile(filename string, cfg *Config) error {
	if filename == "" {
		return fmt.Errorf("no config file specified")
	}
	data, err := os.ReadFile(osutil.ExpandHomeDir(filename))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadData(data, cfg)
}

// LoadData parses YAML into cfg. Unknown fields are an error.
func LoadData(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// RegisterFlags binds the fields of cfg to command line flags.
func (cfg *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.Workdir, "workdir", cfg.Workdir, "dir with persistent work data")
	fs.StringVar(&cfg.Bin, "bin", cfg.Bin, "test binary built with fuzzdep.Main")
	fs.StringVar(&cfg.Func, "func", cfg.Func, "function to fuzz")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "execution mode: process or inproc")
	fs.IntVar(&cfg.Procs, "procs", cfg.Procs, "parallelism level")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "test timeout")
	fs.Uint64Var(&cfg.Iterations, "iterations", cfg.Iterations, "stop after that many iterations (0 for no limit)")
	fs.DurationVar(&cfg.Duration, "duration", cfg.Duration, "stop after that much time (0 for no limit)")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed (0 for a time based seed)")
	fs.DurationVar(&cfg.Minimize, "minimize", cfg.Minimize, "time limit for input minimization")
	fs.BoolVar(&cfg.MinimizeCrashes, "minimizecrashes", cfg.MinimizeCrashes, "minimize crashers")
	fs.BoolVar(&cfg.Smash, "smash", cfg.Smash, "run the deterministic stage on new inputs")
	fs.BoolVar(&cfg.Dup, "dup", cfg.Dup, "collect duplicate crashers")
	fs.BoolVar(&cfg.CoverCounters, "covercounters", cfg.CoverCounters, "use coverage hit counters")
	fs.Var(newStringList(&cfg.Ops), "ops", "comma separated mutations to use (default all)")
	fs.IntVar(&cfg.MaxLen, "maxlen", cfg.MaxLen, "max input length (0 for the default)")
	fs.Var(newStringList(&cfg.Dict), "dict", "AFL style dictionary file (repeatable)")
	fs.Var(newStringList(&cfg.DictPackages), "dictpkg", "Go packages to collect dictionary literals from")
	fs.Var(newStringList(&cfg.Seeds), "seeds", "additional dirs with initial inputs")
	fs.StringVar(&cfg.HTTP, "http", cfg.HTTP, "HTTP address to serve metrics on")
	fs.IntVar(&cfg.Verbosity, "v", cfg.Verbosity, "verbosity level")
	fs.BoolVar(&cfg.TestOutput, "testoutput", cfg.TestOutput, "print test binary output to stdout (for debugging only)")
}

// Parse parses args into a config. A config file given with -config is
// loaded first and the flags set on the command line are applied on top of it.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	return ParseWithDefaults(fs, args, Default)
}

// ParseWithDefaults is like Parse, but starts from the config returned by defaults.
func ParseWithDefaults(fs *flag.FlagSet, args []string, defaults func() *Config) (*Config, error) {
	cfg := defaults()
	path := fs.String("config", "", "YAML config file")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *path != "" {
		file := defaults()
		if err := LoadFile(*path, file); err != nil {
			return nil, err
		}
		over := flag.NewFlagSet("override", flag.ContinueOnError)
		file.RegisterFlags(over)
		var err error
		fs.Visit(func(f *flag.Flag) {
			if over.Lookup(f.Name) == nil || err != nil {
				return
			}
			err = over.Set(f.Name, f.Value.String())
		})
		if err != nil {
			return nil, err
		}
		cfg = file
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.Workdir == "" {
		return fmt.Errorf("workdir is not set")
	}
	switch cfg.Mode {
	case ModeProcess:
		if cfg.Bin == "" {
			return fmt.Errorf("bin is not set")
		}
	case ModeInProc:
	default:
		return fmt.Errorf("unknown mode %q, want %q or %q", cfg.Mode, ModeProcess, ModeInProc)
	}
	if cfg.Procs < 1 {
		return fmt.Errorf("procs must be positive, got %v", cfg.Procs)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", cfg.Timeout)
	}
	if cfg.Duration < 0 || cfg.Minimize < 0 || cfg.MaxLen < 0 {
		return fmt.Errorf("negative limits are not allowed")
	}
	if _, err := mutator.ParseOps(cfg.Ops); err != nil {
		return err
	}
	return nil
}

// stringList is a comma separated list flag. Repeated flags accumulate;
// the first use replaces the default.
type stringList struct {
	p   *[]string
	set bool
}

func newStringList(p *[]string) *stringList {
	return &stringList{p: p}
}

func (l *stringList) String() string {
	if l.p == nil {
		return ""
	}
	return strings.Join(*l.p, ",")
}

func (l *stringList) Set(v string) error {
	if !l.set {
		*l.p = nil
		l.set = true
	}
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l.p = append(*l.p, s)
		}
	}
	return nil
}
