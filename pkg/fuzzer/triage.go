// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/bradleyjkemp/covfuzz/coverage"
	"github.com/bradleyjkemp/covfuzz/pkg/corpus"
	"github.com/bradleyjkemp/covfuzz/pkg/cover"
	"github.com/bradleyjkemp/covfuzz/pkg/hash"
	"github.com/bradleyjkemp/covfuzz/pkg/ipc"
	"github.com/bradleyjkemp/covfuzz/pkg/log"
	"github.com/bradleyjkemp/covfuzz/pkg/osutil"
	"github.com/bradleyjkemp/covfuzz/pkg/storage"
)

// triage executes the persisted corpus and the seed inputs and builds the initial coverage.
// Inputs are executed from the smallest, so that smaller inputs get the credit for shared edges.
func (f *Fuzzer) triage(ctx context.Context, w *worker) error {
	inputs := f.store.Entries()
	for _, dir := range f.cfg.Seeds {
		seeds, err := storage.ReadDir(osutil.ExpandHomeDir(dir))
		if err != nil {
			return fmt.Errorf("failed to read seeds from %v: %w", dir, err)
		}
		inputs = append(inputs, seeds...)
	}
	sort.SliceStable(inputs, func(i, j int) bool {
		return len(inputs[i]) < len(inputs[j])
	})

	seen := make(map[hash.Sig]bool)
	for _, data := range inputs {
		if ctx.Err() != nil {
			return nil
		}
		if len(data) > coverage.MaxInputSize {
			data = data[:coverage.MaxInputSize]
		}
		sig := hash.Hash(data)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		if err := f.triageInput(ctx, w, data, corpus.OriginSeed); err != nil {
			return err
		}
	}
	if f.corpus.Len() == 0 && ctx.Err() == nil {
		// Need at least one input to mutate.
		if err := f.triageInput(ctx, w, nil, corpus.OriginBootstrap); err != nil {
			return err
		}
	}
	log.Logger().Info("triaged initial corpus",
		zap.Int("inputs", len(seen)),
		zap.Int("corpus", f.corpus.Len()),
		zap.Int("cover", f.eval.Len()),
		zap.Int("crashers", len(f.crashes.Records())))
	return nil
}

func (f *Fuzzer) triageInput(ctx context.Context, w *worker, data []byte, origin corpus.Origin) error {
	res, err := w.exec(ctx, data)
	if err != nil {
		return err
	}
	f.stats.triage.Add(1)
	log.Logf(2, "triaged %v (%v bytes): %v, %v edges", hash.Hash(data).Short(), len(data),
		res.Status, cover.Count(res.Cover))
	switch res.Status {
	case ipc.StatusCrashed, ipc.StatusTimedOut:
		if err := w.noteCrash(ctx, data, res); err != nil {
			return err
		}
		if origin != corpus.OriginBootstrap {
			return nil
		}
	case ipc.StatusKilled:
		return nil
	}
	if res.Skipped && origin != corpus.OriginBootstrap {
		return nil
	}
	sig := res.Signal(f.cfg.CoverCounters)
	if res.Status != ipc.StatusCompleted {
		sig = nil
	}
	_, err = f.addEntry(&corpus.Entry{
		Sig:    hash.Hash(data),
		Data:   append([]byte{}, data...),
		Signal: sig,
		Novel:  f.eval.Seed(sig),
		Time:   time.Now(),
		Size:   len(data),
		Origin: origin,
	})
	return err
}
