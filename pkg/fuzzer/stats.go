// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"fmt"
	"strings"
	"time"

	"github.com/bradleyjkemp/covfuzz/pkg/corpus"
	"github.com/bradleyjkemp/covfuzz/pkg/log"
	"github.com/bradleyjkemp/covfuzz/pkg/stat"
)

const statsPeriod = 3 * time.Second

type fuzzerStats struct {
	set       *stat.Set
	execs     *stat.Val
	fuzzExecs *stat.Val
	minExecs  *stat.Val
	smash     *stat.Val
	triage    *stat.Val
	execTime  *stat.Val
	inputSize *stat.Val
	origins   [corpus.OriginCount]*stat.Val
}

func newFuzzerStats(set *stat.Set, f *Fuzzer) *fuzzerStats {
	s := &fuzzerStats{
		set:       set,
		execs:     set.New("execs", "Total executions", stat.Rate{}, stat.Prometheus("covfuzz_execs_total")),
		fuzzExecs: set.New("fuzz execs", "Executions of mutated inputs", stat.Rate{}),
		minExecs:  set.New("minimize execs", "Executions spent on minimization", stat.Rate{}),
		smash:     set.New("smash execs", "Executions spent on the deterministic stage", stat.Rate{}),
		triage:    set.New("triage execs", "Executions of initial inputs"),
		execTime:  set.New("exec time", "Execution time of one input, us", stat.Distribution{}),
		inputSize: set.New("input size", "Size of retained inputs", stat.Distribution{}),
	}
	set.New("corpus", "Inputs in the corpus", func() int { return f.corpus.Len() },
		stat.Prometheus("covfuzz_corpus"))
	set.New("cover", "Edges covered by the corpus", func() int { return f.eval.Len() },
		stat.Prometheus("covfuzz_cover"))
	set.New("crashers", "Crashers found", func() int { return f.crashes.Len() },
		stat.Prometheus("covfuzz_crashers"))
	for o := range s.origins {
		origin := corpus.Origin(o)
		s.origins[o] = set.New("origin "+origin.String(), fmt.Sprintf("Corpus inputs of origin %v", origin))
	}
	return s
}

// restartStats is implemented by executors that restart their target.
type restartStats interface {
	Stats() (execs, restarts uint64)
}

func (f *Fuzzer) printStats(done <-chan struct{}) {
	ticker := time.NewTicker(statsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			log.Logger().Info(f.statsLine())
			if log.V(1) {
				f.logDetailedStats()
			}
		}
	}
}

// statsLine formats the periodic status line.
func (f *Fuzzer) statsLine() string {
	var execs, restarts uint64
	for _, w := range f.workers {
		if rs, ok := w.ex.(restartStats); ok {
			e, r := rs.Stats()
			execs += e
			restarts += r
		}
	}
	restartsDenom := uint64(0)
	if execs != 0 && restarts != 0 {
		restartsDenom = execs / restarts
	}
	lastInput := time.Unix(0, f.lastInput.Load())
	return fmt.Sprintf("corpus: %v (%v ago), crashers: %v,"+
		" restarts: 1/%v, execs: %v (%.0f/sec), cover: %v, uptime: %v",
		f.corpus.Len(), time.Since(lastInput).Truncate(time.Second),
		f.crashes.Len(), restartsDenom, f.stats.execs.Val(), f.execsPerSec(),
		f.eval.Len(), time.Since(f.startTime).Truncate(time.Second),
	)
}

func (f *Fuzzer) logDetailedStats() {
	var vals []string
	for _, ui := range f.stats.set.Collect() {
		vals = append(vals, fmt.Sprintf("%v: %v", ui.Name, ui.Value))
	}
	log.Logf(1, "%v, coverage merges: %v", strings.Join(vals, ", "), f.eval.Merges())
	var states []string
	for i, s := range f.WorkerStates() {
		states = append(states, fmt.Sprintf("%v: %v", i, s))
	}
	log.Logf(1, "workers: %v", strings.Join(states, ", "))
	cs := f.corpus.Stats()
	log.Logf(1, "corpus: %v inputs, %v edges, %v picks; exec time: p50 %vus, p90 %vus, p99 %vus",
		cs.Entries, cs.Signal, cs.Picks, f.stats.execTime.Quantile(0.5),
		f.stats.execTime.Quantile(0.9), f.stats.execTime.Quantile(0.99))
}

func (f *Fuzzer) execsPerSec() float64 {
	elapsed := time.Since(f.startTime)
	if elapsed <= 0 {
		return 0
	}
	return float64(f.stats.execs.Val()) * 1e9 / float64(elapsed)
}

// Summary describes a finished session.
type Summary struct {
	Session     string
	Execs       uint64
	Iterations  uint64
	ExecsPerSec float64
	Cover       int
	Corpus      int
	Crashes     int // found in this session
	Duration    time.Duration
}

func (f *Fuzzer) summary() *Summary {
	return &Summary{
		Session:     f.Session(),
		Execs:       uint64(f.stats.execs.Val()),
		Iterations:  f.Iterations(),
		ExecsPerSec: f.execsPerSec(),
		Cover:       f.eval.Len(),
		Corpus:      f.corpus.Len(),
		Crashes:     len(f.crashes.Records()),
		Duration:    time.Since(f.startTime),
	}
}

func (s *Summary) String() string {
	return fmt.Sprintf("session %v: execs: %v (%.0f/sec), iterations: %v, cover: %v, corpus: %v, crashers: %v, uptime: %v",
		s.Session, s.Execs, s.ExecsPerSec, s.Iterations, s.Cover, s.Corpus, s.Crashes,
		s.Duration.Truncate(time.Second))
}
