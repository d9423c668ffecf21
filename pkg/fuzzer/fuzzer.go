// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzer runs a fuzzing session: it triages the initial corpus,
// drives workers that mutate, execute and evaluate inputs, and persists
// new corpus entries and crashers.
package fuzzer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bradleyjkemp/covfuzz/pkg/config"
	"github.com/bradleyjkemp/covfuzz/pkg/corpus"
	"github.com/bradleyjkemp/covfuzz/pkg/dict"
	"github.com/bradleyjkemp/covfuzz/pkg/feedback"
	"github.com/bradleyjkemp/covfuzz/pkg/hash"
	"github.com/bradleyjkemp/covfuzz/pkg/ipc"
	"github.com/bradleyjkemp/covfuzz/pkg/log"
	"github.com/bradleyjkemp/covfuzz/pkg/mutator"
	"github.com/bradleyjkemp/covfuzz/pkg/osutil"
	"github.com/bradleyjkemp/covfuzz/pkg/stat"
	"github.com/bradleyjkemp/covfuzz/pkg/storage"
)

// ErrCorpusUnwritable is returned when inputs cannot be persisted in the workdir.
var ErrCorpusUnwritable = errors.New("corpus is not writable")

type State int32

const (
	StateInit State = iota
	StateRunning
	StateTerminating
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Options struct {
	// NewExecutor creates the executor used by worker id.
	NewExecutor func(id int) (ipc.Executor, error)
	// Dict holds preloaded dictionary tokens. Learned tokens are added to it.
	Dict *dict.Dict
	// Stats receives the session metrics. A new set is created if nil.
	Stats *stat.Set
}

type Fuzzer struct {
	cfg     *config.Config
	opts    Options
	session uuid.UUID
	seed    int64
	ops     []mutator.Op
	state   atomic.Int32

	corpus  *corpus.Corpus
	eval    *feedback.Evaluator
	dict    *dict.Dict
	store   *storage.PersistentSet
	crashes *CrashStore

	badMu     sync.RWMutex
	badInputs map[hash.Sig]struct{}

	iterations atomic.Uint64
	workers    []*worker
	startTime  time.Time
	lastInput  atomic.Int64

	stats *fuzzerStats
}

// New opens the workdir and prepares a session. Nothing is executed until Run.
func New(cfg *config.Config, opts Options) (*Fuzzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.NewExecutor == nil {
		return nil, fmt.Errorf("no executor factory")
	}
	ops, err := mutator.ParseOps(cfg.Ops)
	if err != nil {
		return nil, err
	}
	workdir := osutil.ExpandHomeDir(cfg.Workdir)
	store, err := storage.Open(filepath.Join(workdir, "corpus"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorpusUnwritable, err)
	}
	crashes, err := OpenCrashStore(workdir, cfg.Dup)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorpusUnwritable, err)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	f := &Fuzzer{
		cfg:       cfg,
		opts:      opts,
		session:   uuid.New(),
		seed:      seed,
		ops:       ops,
		corpus:    corpus.New(),
		eval:      feedback.New(cfg.CoverCounters),
		dict:      opts.Dict,
		store:     store,
		crashes:   crashes,
		badInputs: make(map[hash.Sig]struct{}),
	}
	if f.dict == nil {
		f.dict = dict.New()
	}
	set := opts.Stats
	if set == nil {
		set = stat.NewSet()
	}
	f.stats = newFuzzerStats(set, f)
	return f, nil
}

func (f *Fuzzer) Session() string {
	return f.session.String()
}

func (f *Fuzzer) State() State {
	return State(f.state.Load())
}

func (f *Fuzzer) Corpus() *corpus.Corpus {
	return f.corpus
}

func (f *Fuzzer) Crashes() *CrashStore {
	return f.crashes
}

func (f *Fuzzer) Evaluator() *feedback.Evaluator {
	return f.eval
}

// WorkerStates returns the current state of every worker.
func (f *Fuzzer) WorkerStates() []WorkerState {
	res := make([]WorkerState, len(f.workers))
	for i, w := range f.workers {
		res[i] = w.State()
	}
	return res
}

// Run fuzzes until the context is cancelled, the time or iteration budget is
// exhausted, or a fatal error occurs. Cancellation is not an error.
func (f *Fuzzer) Run(ctx context.Context) (*Summary, error) {
	f.startTime = time.Now()
	f.lastInput.Store(f.startTime.UnixNano())
	logger := log.Logger().With(zap.String("session", f.Session()))
	if f.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Duration)
		defer cancel()
	}
	execs := make([]ipc.Executor, 0, f.cfg.Procs)
	defer func() {
		for _, ex := range execs {
			ex.Close()
		}
	}()
	for i := 0; i < f.cfg.Procs; i++ {
		ex, err := f.opts.NewExecutor(i)
		if err != nil {
			return nil, err
		}
		execs = append(execs, ex)
	}
	for i, ex := range execs {
		f.workers = append(f.workers, newWorker(f, i, ex))
	}
	logger.Info("starting session",
		zap.Int("procs", f.cfg.Procs),
		zap.Int64("seed", f.seed),
		zap.String("mode", f.cfg.Mode))

	if err := f.triage(ctx, f.workers[0]); err != nil {
		f.state.Store(int32(StateDone))
		return nil, err
	}

	f.state.Store(int32(StateRunning))
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range f.workers {
		w := w
		g.Go(func() error {
			return w.loop(gctx)
		})
	}
	statsDone := make(chan struct{})
	go f.printStats(statsDone)
	err := g.Wait()
	close(statsDone)

	f.state.Store(int32(StateTerminating))
	sum := f.summary()
	logger.Info("session finished", zap.Stringer("summary", sum))
	f.state.Store(int32(StateDone))
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return sum, err
	}
	return sum, nil
}

// takeIteration reserves one mutated input from the iteration budget.
func (f *Fuzzer) takeIteration() bool {
	n := f.iterations.Add(1)
	return f.cfg.Iterations == 0 || n <= f.cfg.Iterations
}

func (f *Fuzzer) budgetExhausted() bool {
	return f.cfg.Iterations != 0 && f.iterations.Load() >= f.cfg.Iterations
}

// Iterations returns the number of mutated inputs executed so far.
func (f *Fuzzer) Iterations() uint64 {
	n := f.iterations.Load()
	if f.cfg.Iterations != 0 && n > f.cfg.Iterations {
		n = f.cfg.Iterations
	}
	return n
}

func (f *Fuzzer) isBad(data []byte) bool {
	f.badMu.RLock()
	defer f.badMu.RUnlock()
	if len(f.badInputs) == 0 {
		return false
	}
	_, ok := f.badInputs[hash.Hash(data)]
	return ok
}

func (f *Fuzzer) addBad(data []byte) {
	f.badMu.Lock()
	defer f.badMu.Unlock()
	f.badInputs[hash.Hash(data)] = struct{}{}
}

// addEntry retains a new corpus entry and persists it.
func (f *Fuzzer) addEntry(e *corpus.Entry) (bool, error) {
	if !f.corpus.Add(e) {
		return false, nil
	}
	if _, err := f.store.Add(e.Data); err != nil {
		return false, fmt.Errorf("%w: %w", ErrCorpusUnwritable, err)
	}
	f.lastInput.Store(time.Now().UnixNano())
	f.stats.origins[e.Origin].Add(1)
	f.stats.inputSize.Add(e.Size)
	if n := f.dict.Learn(e.Data); n != 0 {
		log.Logf(2, "learned %v dictionary tokens from %v", n, e.Sig.Short())
	}
	log.Logger().Debug("new input",
		zap.String("sig", e.Sig.Short()),
		zap.Int("size", e.Size),
		zap.Stringer("origin", e.Origin),
		zap.Int("novel", e.Novel.Len()),
		zap.Int("corpus", f.corpus.Len()))
	return true, nil
}
