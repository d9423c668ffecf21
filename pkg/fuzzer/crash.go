// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/bradleyjkemp/covfuzz/pkg/hash"
	"github.com/bradleyjkemp/covfuzz/pkg/report"
	"github.com/bradleyjkemp/covfuzz/pkg/storage"
)

// CrashRecord is a persisted crashing or hanging input.
type CrashRecord struct {
	Data      []byte
	Fault     *report.Fault
	Time      time.Time
	Seq       int // detection order within the session, starting at 1
	Iteration uint64
	Hanging   bool
}

// CrashStore keeps crashers and their suppressions.
// Records are numbered and timestamped in the order Record is called.
type CrashStore struct {
	dup bool

	mu           sync.Mutex
	crashers     *storage.PersistentSet
	suppressions *storage.PersistentSet
	records      []*CrashRecord
}

func OpenCrashStore(workdir string, dup bool) (*CrashStore, error) {
	crashers, err := storage.Open(filepath.Join(workdir, "crashers"))
	if err != nil {
		return nil, err
	}
	suppressions, err := storage.Open(filepath.Join(workdir, "suppressions"))
	if err != nil {
		return nil, err
	}
	return &CrashStore{
		dup:          dup,
		crashers:     crashers,
		suppressions: suppressions,
	}, nil
}

// Record persists a crasher unless it is a duplicate: either the same input,
// or (unless dup is set) a crash with an already known suppression.
// It returns nil for duplicates.
func (cs *CrashStore) Record(data []byte, fault *report.Fault, hanging bool, iteration uint64) (*CrashRecord, error) {
	return cs.record(data, fault, hanging, iteration, true)
}

// RecordVariant persists another input for an already known crash, e.g. a minimized one.
func (cs *CrashStore) RecordVariant(data []byte, fault *report.Fault, iteration uint64) (*CrashRecord, error) {
	return cs.record(data, fault, false, iteration, false)
}

func (cs *CrashStore) record(data []byte, fault *report.Fault, hanging bool, iteration uint64, checkSupp bool) (*CrashRecord, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.crashers.Has(data) {
		return nil, nil
	}
	if checkSupp && !cs.dup {
		added, err := cs.suppressions.Add(fault.Suppression)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorpusUnwritable, err)
		}
		if !added {
			return nil, nil // Already have this.
		}
	}
	if _, err := cs.crashers.Add(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorpusUnwritable, err)
	}
	rec := &CrashRecord{
		Data:      append([]byte{}, data...),
		Fault:     fault,
		Time:      time.Now(),
		Seq:       len(cs.records) + 1,
		Iteration: iteration,
		Hanging:   hanging,
	}
	descs := []struct {
		typ  string
		data []byte
	}{
		{"output", fault.Output},
		{"quoted", quote(data)},
		{"fault", fault.Summary(iteration, rec.Time, hanging)},
	}
	for _, d := range descs {
		if err := cs.crashers.AddDescription(data, d.data, d.typ); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorpusUnwritable, err)
		}
	}
	cs.records = append(cs.records, rec)
	return rec, nil
}

// Known reports whether a crash with the suppression was already recorded.
func (cs *CrashStore) Known(supp []byte) bool {
	if cs.dup {
		return false
	}
	return cs.suppressions.Has(supp)
}

// Records returns crashes found in this session in detection order.
func (cs *CrashStore) Records() []*CrashRecord {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]*CrashRecord{}, cs.records...)
}

// Len returns the number of crashers on disk, including ones from previous sessions.
func (cs *CrashStore) Len() int {
	return cs.crashers.Len()
}

func (cs *CrashStore) Path(data []byte) string {
	return cs.crashers.Path(data)
}

// quote prepares a quoted version of input to simplify creation of standalone reproducers.
func quote(data []byte) []byte {
	var buf bytes.Buffer
	for i := 0; i < len(data); i += 20 {
		e := min(i+20, len(data))
		fmt.Fprintf(&buf, "\t%q", data[i:e])
		if e != len(data) {
			fmt.Fprintf(&buf, " +")
		}
		fmt.Fprintf(&buf, "\n")
	}
	return buf.Bytes()
}

// shortHash is used in log lines.
func shortHash(data []byte) string {
	return hash.Hash(data).Short()
}
