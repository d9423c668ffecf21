// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bradleyjkemp/covfuzz/pkg/corpus"
	"github.com/bradleyjkemp/covfuzz/pkg/feedback"
	"github.com/bradleyjkemp/covfuzz/pkg/hash"
	"github.com/bradleyjkemp/covfuzz/pkg/ipc"
	"github.com/bradleyjkemp/covfuzz/pkg/log"
	"github.com/bradleyjkemp/covfuzz/pkg/mutator"
	"github.com/bradleyjkemp/covfuzz/pkg/report"
	"github.com/bradleyjkemp/covfuzz/pkg/signal"
)

type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerSelecting
	WorkerMutating
	WorkerExecuting
	WorkerEvaluating
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerSelecting:
		return "selecting"
	case WorkerMutating:
		return "mutating"
	case WorkerExecuting:
		return "executing"
	case WorkerEvaluating:
		return "evaluating"
	}
	return fmt.Sprintf("worker state(%d)", int(s))
}

// Mutants generated per selection are proportional to the energy of the selected entry.
const mutantsPerEnergy = 4

func roundSize(energy int) int {
	return max(1, energy) * mutantsPerEnergy
}

// worker owns one executor and one random stream.
type worker struct {
	id    int
	f     *Fuzzer
	ex    ipc.Executor
	mut   *mutator.Mutator
	state atomic.Int32

	// New entries waiting for minimization, persistence and smashing.
	queue []*corpus.Entry
}

func newWorker(f *Fuzzer, id int, ex ipc.Executor) *worker {
	return &worker{
		id: id,
		f:  f,
		ex: ex,
		mut: mutator.New(f.seed+int64(id), mutator.Options{
			Ops:    f.ops,
			MaxLen: f.cfg.MaxLen,
			Dict:   f.dict,
		}),
	}
}

func (w *worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *worker) setState(s WorkerState) {
	w.state.Store(int32(s))
}

func (w *worker) loop(ctx context.Context) error {
	defer w.setState(WorkerIdle)
	for ctx.Err() == nil {
		if len(w.queue) != 0 {
			e := w.queue[0]
			w.queue = w.queue[1:]
			if err := w.processEntry(ctx, e); err != nil {
				return err
			}
			continue
		}
		if w.f.budgetExhausted() {
			return nil
		}
		w.setState(WorkerSelecting)
		parent := w.f.corpus.Choose(w.mut.Rand())
		if parent == nil {
			return fmt.Errorf("corpus is empty")
		}
		more, err := w.round(ctx, parent)
		if err != nil {
			return err
		}
		if !more && len(w.queue) == 0 {
			return nil
		}
	}
	return w.flush()
}

// flush retains the queued entries as they are when the session stops.
// Their coverage is already merged into the global state.
func (w *worker) flush() error {
	for _, e := range w.queue {
		if _, err := w.f.addEntry(e); err != nil {
			return err
		}
	}
	w.queue = nil
	return nil
}

// round executes a batch of mutants of parent and evaluates the promising ones together.
// It returns false when the iteration budget ran out.
func (w *worker) round(ctx context.Context, parent *corpus.Entry) (bool, error) {
	n := roundSize(w.f.corpus.Energy(parent.Sig))
	var cands []feedback.Candidate
	execs := 0
	more := true
	for i := 0; i < n && ctx.Err() == nil; i++ {
		w.setState(WorkerMutating)
		data := w.mut.Mutate(parent.Data, w.f.corpus)
		if w.f.isBad(data) {
			continue // no, thanks
		}
		if !w.f.takeIteration() {
			more = false
			break
		}
		w.setState(WorkerExecuting)
		cand, err := w.testInput(ctx, data, corpus.OriginFuzz, parent.Sig)
		if err != nil {
			return false, err
		}
		w.f.stats.fuzzExecs.Add(1)
		execs++
		if cand != nil {
			cands = append(cands, *cand)
		}
	}
	w.setState(WorkerEvaluating)
	found := w.f.eval.Evaluate(cands)
	w.queue = append(w.queue, found...)
	w.f.corpus.ReportYield(parent.Sig, execs, len(found))
	return more, nil
}

// testInput executes data and returns it as a candidate if it may add coverage.
// Crashes and hangs are recorded right away.
func (w *worker) testInput(ctx context.Context, data []byte, origin corpus.Origin, parent hash.Sig) (*feedback.Candidate, error) {
	res, err := w.exec(ctx, data)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case ipc.StatusCrashed, ipc.StatusTimedOut:
		return nil, w.noteCrash(ctx, data, res)
	case ipc.StatusKilled:
		return nil, nil
	}
	if res.Skipped || !w.f.eval.Promising(res.Cover) {
		return nil, nil
	}
	return &feedback.Candidate{
		Data:   append([]byte{}, data...),
		Signal: res.Signal(w.f.cfg.CoverCounters),
		Origin: origin,
		Parent: parent,
	}, nil
}

func (w *worker) exec(ctx context.Context, data []byte) (*ipc.Result, error) {
	res, err := w.ex.Exec(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("worker %v: %w", w.id, err)
	}
	w.f.stats.execs.Add(1)
	if res.Status == ipc.StatusCompleted {
		w.f.stats.execTime.Add(int(res.Duration / time.Microsecond))
	}
	return res, nil
}

func (w *worker) noteCrash(ctx context.Context, data []byte, res *ipc.Result) error {
	hanging := res.Status == ipc.StatusTimedOut
	if hanging {
		// Hanging inputs are not retried.
		w.f.addBad(data)
	}
	if w.f.crashes.Known(res.Fault.Suppression) {
		return nil
	}
	iter := w.f.Iterations()
	rec, err := w.f.crashes.Record(data, res.Fault, hanging, iter)
	if err != nil || rec == nil {
		return err
	}
	log.Logger().Info("new crasher",
		zap.String("sig", shortHash(data)),
		zap.Int("seq", rec.Seq),
		zap.String("title", res.Fault.Title),
		zap.String("signal", res.Fault.Signal),
		zap.Bool("hanging", hanging),
		zap.String("file", w.f.crashes.Path(data)))
	// Hanging inputs can take very long time to minimize.
	if hanging || !w.f.cfg.MinimizeCrashes || w.f.cfg.Minimize <= 0 {
		return nil
	}
	min, fault, err := w.minimizeCrash(ctx, data, res.Fault)
	if err != nil || bytes.Equal(min, data) {
		return err
	}
	_, err = w.f.crashes.RecordVariant(min, fault, iter)
	return err
}

// processEntry finishes a new corpus entry: it is minimized, persisted and smashed.
func (w *worker) processEntry(ctx context.Context, e *corpus.Entry) error {
	w.setState(WorkerEvaluating)
	if w.f.cfg.Minimize > 0 && len(e.Data) != 0 {
		data, sig, err := w.minimizeEntry(ctx, e)
		if err != nil {
			return err
		}
		if !bytes.Equal(data, e.Data) {
			log.Logf(2, "minimized input %v from %v to %v bytes", e.Sig.Short(), len(e.Data), len(data))
			min := *e
			min.Sig = hash.Hash(data)
			min.Data = data
			min.Size = len(data)
			min.Signal = sig
			min.Origin = corpus.OriginMinimize
			e = &min
		}
	}
	added, err := w.f.addEntry(e)
	if err != nil || !added {
		return err
	}
	if w.f.cfg.Smash {
		return w.smash(ctx, e)
	}
	return nil
}

// smash runs the deterministic stage on a new entry.
func (w *worker) smash(ctx context.Context, e *corpus.Entry) error {
	var cands []feedback.Candidate
	var err error
	mutator.Smash(e.Data, func(data []byte) bool {
		if ctx.Err() != nil || w.f.budgetExhausted() {
			return false
		}
		if w.f.isBad(data) {
			return true
		}
		w.setState(WorkerExecuting)
		var cand *feedback.Candidate
		cand, err = w.testInput(ctx, data, corpus.OriginSmash, e.Sig)
		if err != nil {
			return false
		}
		w.f.stats.smash.Add(1)
		if cand != nil {
			cands = append(cands, *cand)
		}
		return true
	})
	if err != nil {
		return err
	}
	w.setState(WorkerEvaluating)
	w.queue = append(w.queue, w.f.eval.Evaluate(cands)...)
	return nil
}

// minimizeEntry looks for a smaller input that still hits the novel part of the entry's coverage.
// When minimizing new inputs we don't pursue exactly the same coverage,
// instead we pursue just the "novelty" in coverage.
func (w *worker) minimizeEntry(ctx context.Context, e *corpus.Entry) ([]byte, signal.Signal, error) {
	sig := e.Signal
	var noteErr error
	data, err := w.minimize(ctx, e.Data, false, func(candidate []byte, res *ipc.Result) bool {
		switch res.Status {
		case ipc.StatusCrashed, ipc.StatusTimedOut:
			if noteErr == nil {
				noteErr = w.noteCrash(ctx, candidate, res)
			}
			return false
		case ipc.StatusKilled:
			return false
		}
		if res.Skipped {
			return false
		}
		cur := res.Signal(w.f.cfg.CoverCounters)
		if !cur.Covers(e.Novel) {
			return false
		}
		sig = cur
		return true
	})
	if err == nil {
		err = noteErr
	}
	return data, sig, err
}

// minimizeCrash looks for a smaller input with the same crash.
// Other crashes found on the way are recorded as they are.
func (w *worker) minimizeCrash(ctx context.Context, data []byte, fault *report.Fault) ([]byte, *report.Fault, error) {
	var recErr error
	res, err := w.minimize(ctx, data, true, func(candidate []byte, res *ipc.Result) bool {
		if res.Status != ipc.StatusCrashed {
			return false
		}
		if !bytes.Equal(res.Fault.Suppression, fault.Suppression) {
			if recErr == nil && !w.f.crashes.Known(res.Fault.Suppression) {
				_, recErr = w.f.crashes.Record(candidate, res.Fault, false, w.f.Iterations())
			}
			return false
		}
		fault = res.Fault
		return true
	})
	if err == nil {
		err = recErr
	}
	return res, fault, err
}

// minimize applies series of minimizing transformations to data
// and asks pred whether the input is equivalent to the original one or not.
func (w *worker) minimize(ctx context.Context, data []byte, canonicalize bool,
	pred func(candidate []byte, res *ipc.Result) bool) ([]byte, error) {
	res := append([]byte{}, data...)
	deadline := time.Now().Add(w.f.cfg.Minimize)
	stop := func() bool {
		return ctx.Err() != nil || time.Now().After(deadline)
	}
	try := func(candidate []byte) (bool, error) {
		if w.f.isBad(candidate) {
			return false, nil
		}
		r, err := w.exec(ctx, candidate)
		if err != nil {
			return false, err
		}
		w.f.stats.minExecs.Add(1)
		return pred(candidate, r), nil
	}

	// First, try to cut tail.
	for n := 1024; n != 0; n /= 2 {
		for len(res) > n {
			if stop() {
				return res, nil
			}
			candidate := res[:len(res)-n]
			ok, err := try(candidate)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			res = candidate
		}
	}

	// Then, try to remove each individual byte.
	tmp := make([]byte, len(res))
	for i := 0; i < len(res); i++ {
		if stop() {
			return res, nil
		}
		candidate := tmp[:len(res)-1]
		copy(candidate[:i], res[:i])
		copy(candidate[i:], res[i+1:])
		ok, err := try(candidate)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		res = append([]byte{}, candidate...)
		i--
	}

	// Then, try to remove each possible subset of bytes.
	for i := 0; i < len(res)-1; i++ {
		copy(tmp, res[:i])
		for j := len(res); j > i+1; j-- {
			if stop() {
				return res, nil
			}
			candidate := tmp[:len(res)-j+i]
			copy(candidate[i:], res[j:])
			ok, err := try(candidate)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			res = append([]byte{}, candidate...)
			j = len(res)
		}
	}

	// Then, try to replace each individual byte with '0'.
	if canonicalize {
		for i := 0; i < len(res); i++ {
			if res[i] == '0' {
				continue
			}
			if stop() {
				return res, nil
			}
			candidate := tmp[:len(res)]
			copy(candidate, res)
			candidate[i] = '0'
			ok, err := try(candidate)
			if err != nil {
				return nil, err
			}
			if ok {
				res = append([]byte{}, candidate...)
			}
		}
	}
	return res, nil
}
