// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradleyjkemp/covfuzz/coverage"
	"github.com/bradleyjkemp/covfuzz/pkg/config"
	"github.com/bradleyjkemp/covfuzz/pkg/corpus"
	"github.com/bradleyjkemp/covfuzz/pkg/feedback"
	"github.com/bradleyjkemp/covfuzz/pkg/hash"
	"github.com/bradleyjkemp/covfuzz/pkg/ipc"
	"github.com/bradleyjkemp/covfuzz/pkg/mutator"
	"github.com/bradleyjkemp/covfuzz/pkg/signal"
	"github.com/bradleyjkemp/covfuzz/pkg/storage"
)

var (
	nilPtr *int
	sink   int
)

func prefixTarget(data []byte) {
	if len(data) > 0 && data[0] == 'Q' {
		coverage.Hit(1)
	} else {
		coverage.Hit(2)
	}
}

func crashTarget(data []byte) {
	coverage.Hit(3)
	if len(data) == 10 {
		sink = *nilPtr
	}
}

func emptyTarget(data []byte) {
	if len(data) == 0 {
		coverage.Hit(1000)
	} else {
		coverage.Hit(2000)
	}
}

func spliceTarget(data []byte) {
	hasA := bytes.IndexByte(data, 'a') >= 0
	hasB := bytes.IndexByte(data, 'b') >= 0
	if hasA {
		coverage.Hit(10)
	}
	if hasB {
		coverage.Hit(20)
	}
	if hasA && hasB {
		coverage.Hit(30)
	}
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Workdir = t.TempDir()
	cfg.Mode = config.ModeInProc
	cfg.Procs = 1
	cfg.Seed = 1
	cfg.Smash = false
	cfg.Timeout = 5 * time.Second
	cfg.Minimize = 5 * time.Second
	return cfg
}

func writeSeeds(t *testing.T, inputs ...string) string {
	dir := t.TempDir()
	set, err := storage.Open(dir)
	require.NoError(t, err)
	for _, in := range inputs {
		_, err := set.Add([]byte(in))
		require.NoError(t, err)
	}
	return dir
}

func newFuzzer(t *testing.T, cfg *config.Config, fn func([]byte)) *Fuzzer {
	f, err := New(cfg, Options{
		NewExecutor: func(id int) (ipc.Executor, error) {
			return ipc.NewInProc(fn, cfg.Timeout), nil
		},
	})
	require.NoError(t, err)
	return f
}

func corpusData(f *Fuzzer) []string {
	var res []string
	for _, e := range f.Corpus().Entries() {
		res = append(res, string(e.Data))
	}
	sort.Strings(res)
	return res
}

func corpusSignal(f *Fuzzer) signal.Signal {
	var res signal.Signal
	for _, e := range f.Corpus().Entries() {
		res.Merge(e.Signal)
	}
	return res
}

func TestFindsPrefix(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ops = []string{"flipbit"}
	cfg.Iterations = 20000
	cfg.Seeds = []string{writeSeeds(t, "P")}
	f := newFuzzer(t, cfg, prefixTarget)
	sum, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, f.State())
	assert.Equal(t, []string{"P", "Q"}, corpusData(f))
	assert.Equal(t, 2, sum.Cover)
	assert.Equal(t, 2, sum.Corpus)
	assert.Equal(t, 0, sum.Crashes)
	assert.Equal(t, uint64(20000), sum.Iterations)

	// Both inputs are persisted and are picked up by the next session.
	persisted, err := storage.ReadDir(filepath.Join(cfg.Workdir, "corpus"))
	require.NoError(t, err)
	assert.Len(t, persisted, 2)

	cfg2 := *cfg
	cfg2.Seeds = nil
	cfg2.Iterations = 1
	f2 := newFuzzer(t, &cfg2, prefixTarget)
	_, err = f2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"P", "Q"}, corpusData(f2))
	if diff := cmp.Diff(corpusSignal(f), corpusSignal(f2)); diff != "" {
		t.Fatal(diff)
	}
}

func TestSeedCrash(t *testing.T) {
	cfg := testConfig(t)
	cfg.Iterations = 50
	cfg.MinimizeCrashes = false
	crasher := "0123456789"
	cfg.Seeds = []string{writeSeeds(t, "abc", crasher)}
	f := newFuzzer(t, cfg, crashTarget)
	sum, err := f.Run(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, sum.Crashes, 1)

	recs := f.Crashes().Records()
	assert.Equal(t, crasher, string(recs[0].Data))
	assert.Equal(t, 1, recs[0].Seq)
	assert.Equal(t, "SIGSEGV", recs[0].Fault.Signal)
	assert.False(t, recs[0].Hanging)
	assert.Equal(t, []string{"abc"}, corpusData(f), "crashing seeds are not added to the corpus")

	path := f.Crashes().Path([]byte(crasher))
	for _, suffix := range []string{"", ".output", ".quoted", ".fault"} {
		_, err := os.Stat(path + suffix)
		assert.NoError(t, err, suffix)
	}

	// The persisted crasher reproduces.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	res, err := ipc.NewInProc(crashTarget, time.Second).Exec(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, ipc.StatusCrashed, res.Status)
	assert.Equal(t, "SIGSEGV", res.Fault.Signal)
}

func TestBootstrap(t *testing.T) {
	cfg := testConfig(t)
	cfg.Iterations = 10
	f := newFuzzer(t, cfg, prefixTarget)
	_, err := f.Run(context.Background())
	require.NoError(t, err)
	entries := f.Corpus().Entries()
	require.NotEmpty(t, entries)
	assert.Empty(t, entries[0].Data)
	assert.Equal(t, "bootstrap", entries[0].Origin.String())
}

func TestIterationBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Procs = 3
	cfg.Iterations = 500
	cfg.Smash = true
	f := newFuzzer(t, cfg, prefixTarget)
	sum, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(500), f.Iterations())
	assert.Equal(t, uint64(500), sum.Iterations)
	assert.GreaterOrEqual(t, sum.Execs, uint64(500))
	for _, s := range f.WorkerStates() {
		assert.Equal(t, WorkerIdle, s)
	}
}

func TestDuration(t *testing.T) {
	cfg := testConfig(t)
	cfg.Duration = 300 * time.Millisecond
	f := newFuzzer(t, cfg, prefixTarget)
	start := time.Now()
	sum, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.NotZero(t, sum.Execs)
	assert.Equal(t, f.Session(), sum.Session)
}

func TestCancel(t *testing.T) {
	cfg := testConfig(t)
	f := newFuzzer(t, cfg, prefixTarget)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	_, err := f.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDone, f.State())
}

func TestUnwritableWorkdir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	cfg := testConfig(t)
	cfg.Workdir = filepath.Join(file, "workdir")
	_, err := New(cfg, Options{
		NewExecutor: func(id int) (ipc.Executor, error) {
			return ipc.NewInProc(prefixTarget, cfg.Timeout), nil
		},
	})
	assert.True(t, errors.Is(err, ErrCorpusUnwritable), err)
}

func TestExecutorError(t *testing.T) {
	cfg := testConfig(t)
	f, err := New(cfg, Options{
		NewExecutor: func(id int) (ipc.Executor, error) {
			return nil, ipc.ErrNoInstrumentation
		},
	})
	require.NoError(t, err)
	_, err = f.Run(context.Background())
	assert.ErrorIs(t, err, ipc.ErrNoInstrumentation)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "\t\"abc\"\n", string(quote([]byte("abc"))))
	assert.Equal(t, "\t\"aaaaaaaaaaaaaaaaaaaa\" +\n\t\"b\"\n", string(quote([]byte("aaaaaaaaaaaaaaaaaaaab"))))
}

func TestFindsPrefixFromEmpty(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ops = []string{"flipbit", "insert"}
	cfg.Iterations = 50000
	f := newFuzzer(t, cfg, prefixTarget)
	sum, err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Cover)

	var found []byte
	for _, e := range f.Corpus().Entries() {
		if len(e.Data) != 0 && e.Data[0] == 'Q' {
			found = e.Data
		}
	}
	require.NotNil(t, found, "no input starting with Q")
	persisted, err := storage.ReadDir(filepath.Join(cfg.Workdir, "corpus"))
	require.NoError(t, err)
	assert.Contains(t, persisted, found)
}

// cancelOnInput cancels the session right after the first non-empty input ran.
type cancelOnInput struct {
	ipc.Executor
	cancel context.CancelFunc
}

func (c *cancelOnInput) Exec(ctx context.Context, data []byte) (*ipc.Result, error) {
	res, err := c.Executor.Exec(ctx, data)
	if len(data) != 0 {
		c.cancel()
	}
	return res, err
}

func TestCancelKeepsMergedEntries(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ops = []string{"insert"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f, err := New(cfg, Options{
		NewExecutor: func(id int) (ipc.Executor, error) {
			return &cancelOnInput{ipc.NewInProc(emptyTarget, cfg.Timeout), cancel}, nil
		},
	})
	require.NoError(t, err)
	sum, err := f.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Cover)
	assert.Equal(t, 2, sum.Corpus)
	assert.Equal(t, sum.Cover, f.Corpus().Stats().Signal)

	persisted, err := storage.ReadDir(filepath.Join(cfg.Workdir, "corpus"))
	require.NoError(t, err)
	assert.Len(t, persisted, f.Corpus().Len())
}

func TestSpliceKeepsSmaller(t *testing.T) {
	ex := ipc.NewInProc(spliceTarget, time.Second)
	run := func(data []byte) signal.Signal {
		res, err := ex.Exec(context.Background(), data)
		require.NoError(t, err)
		require.Equal(t, ipc.StatusCompleted, res.Status)
		return res.Signal(true)
	}
	c := corpus.New()
	eval := feedback.New(true)
	var novel []signal.Signal
	for _, data := range [][]byte{bytes.Repeat([]byte("a"), 100), bytes.Repeat([]byte("b"), 5)} {
		sig := run(data)
		e := &corpus.Entry{Sig: hash.Hash(data), Data: data, Signal: sig, Novel: eval.Seed(sig), Size: len(data)}
		require.True(t, c.Add(e))
		novel = append(novel, e.Novel)
	}
	require.False(t, novel[0].Empty())
	require.False(t, novel[1].Empty())
	assert.True(t, novel[0].Diff(novel[1]).Equal(novel[1]), "novel edges are disjoint")

	// Splice the entries until two variants of different size contain both.
	mut := mutator.New(1, mutator.Options{Ops: []mutator.Op{mutator.OpSplice}})
	entries := c.Entries()
	sizes := make(map[int]bool)
	var cands []feedback.Candidate
	for i := 0; i < 10000 && len(cands) < 2; i++ {
		data := mut.Mutate(entries[i%2].Data, c)
		if !bytes.Contains(data, []byte("a")) || !bytes.Contains(data, []byte("b")) || sizes[len(data)] {
			continue
		}
		sizes[len(data)] = true
		cands = append(cands, feedback.Candidate{Data: data, Signal: run(data), Origin: corpus.OriginFuzz})
	}
	require.Len(t, cands, 2)
	assert.True(t, cands[0].Signal.Equal(cands[1].Signal))
	sort.Slice(cands, func(i, j int) bool { return len(cands[i].Data) > len(cands[j].Data) })

	found := eval.Evaluate(cands)
	require.Len(t, found, 1)
	assert.Equal(t, cands[1].Data, found[0].Data)
	assert.Equal(t, 3, eval.Len())
}

func TestMinimizeEntry(t *testing.T) {
	cfg := testConfig(t)
	f := newFuzzer(t, cfg, prefixTarget)
	w := newWorker(f, 0, ipc.NewInProc(prefixTarget, cfg.Timeout))
	data := []byte("Qxyz")
	res, err := w.exec(context.Background(), data)
	require.NoError(t, err)
	sig := res.Signal(cfg.CoverCounters)
	e := &corpus.Entry{
		Sig:    hash.Hash(data),
		Data:   data,
		Signal: sig,
		Novel:  f.Evaluator().Seed(sig),
		Size:   len(data),
		Origin: corpus.OriginFuzz,
	}
	require.NoError(t, w.processEntry(context.Background(), e))

	entries := f.Corpus().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "Q", string(entries[0].Data))
	assert.Equal(t, corpus.OriginMinimize, entries[0].Origin)
	assert.True(t, entries[0].Signal.Covers(e.Novel))
	persisted, err := storage.ReadDir(filepath.Join(cfg.Workdir, "corpus"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("Q")}, persisted)
}
