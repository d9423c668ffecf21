// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus holds the inputs that expanded coverage
// together with the scheduling state used to pick the next one to mutate.
package corpus

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/bradleyjkemp/covfuzz/pkg/hash"
	"github.com/bradleyjkemp/covfuzz/pkg/signal"
)

type Origin int

const (
	OriginSeed Origin = iota
	OriginBootstrap
	OriginFuzz
	OriginSmash
	OriginMinimize
	OriginCount
)

func (o Origin) String() string {
	switch o {
	case OriginSeed:
		return "seed"
	case OriginBootstrap:
		return "bootstrap"
	case OriginFuzz:
		return "fuzz"
	case OriginSmash:
		return "smash"
	case OriginMinimize:
		return "minimize"
	}
	return "unknown"
}

// Entry is a retained input. It is never modified after it is added.
type Entry struct {
	Sig    hash.Sig
	Data   []byte
	Signal signal.Signal // full signature of Data
	Novel  signal.Signal // edges this entry added to the global coverage
	Time   time.Time
	Size   int
	Origin Origin
	Parent hash.Sig
}

const (
	minEnergy = 1
	maxEnergy = 16
	defYield  = 0.6 // new entries start at energy 10

	// yieldAlpha weights the latest round in the running yield average.
	yieldAlpha = 0.3
	// Every roundRobinPeriod-th pick ignores energy.
	roundRobinPeriod = 8
)

type meta struct {
	yield  float64
	energy int64
	picks  uint64
	execs  uint64
	found  uint64
}

type Corpus struct {
	mu       sync.Mutex
	entries  []*Entry
	meta     []meta
	index    map[hash.Sig]int
	signal   signal.Signal
	accPrios []int64
	sumPrios int64
	stale    bool
	picks    uint64
	rr       int
}

func New() *Corpus {
	return &Corpus{
		index: make(map[hash.Sig]int),
	}
}

// Add appends e and reports whether an entry with the same content was not present.
func (c *Corpus) Add(e *Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[e.Sig]; ok {
		return false
	}
	c.index[e.Sig] = len(c.entries)
	c.entries = append(c.entries, e)
	c.meta = append(c.meta, meta{yield: defYield, energy: energyOf(defYield)})
	c.signal.Merge(e.Signal)
	c.stale = true
	return true
}

func (c *Corpus) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Entries returns the entries in insertion order.
func (c *Corpus) Entries() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Entry{}, c.entries...)
}


// Choose picks the next entry to mutate. Entries are weighted by energy,
// except every roundRobinPeriod-th pick which walks the corpus in order
// so that low energy entries are not starved.
func (c *Corpus) Choose(r *rand.Rand) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil
	}
	c.picks++
	var idx int
	if c.picks%roundRobinPeriod == 0 {
		idx = c.rr % len(c.entries)
		c.rr = idx + 1
	} else {
		if c.stale {
			c.recalc()
		}
		randVal := r.Int63n(c.sumPrios)
		idx = sort.Search(len(c.accPrios), func(i int) bool {
			return c.accPrios[i] > randVal
		})
	}
	c.meta[idx].picks++
	return c.entries[idx]
}

// RandomData returns the data of a uniformly chosen entry.
func (c *Corpus) RandomData(r *rand.Rand) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil
	}
	return c.entries[r.Intn(len(c.entries))].Data
}

// ReportYield records that execs mutants of the entry produced found new entries.
func (c *Corpus) ReportYield(sig hash.Sig, execs, found int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.index[sig]
	if !ok || execs == 0 {
		return
	}
	m := &c.meta[idx]
	m.execs += uint64(execs)
	m.found += uint64(found)
	sample := float64(min(found, 4)) / 4
	m.yield = (1-yieldAlpha)*m.yield + yieldAlpha*sample
	if e := energyOf(m.yield); e != m.energy {
		m.energy = e
		c.stale = true
	}
}

// Energy returns the current energy of the entry, in [1, 16].
func (c *Corpus) Energy(sig hash.Sig) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx, ok := c.index[sig]; ok {
		return int(c.meta[idx].energy)
	}
	return minEnergy
}

// energyOf is monotone in the recent yield.
func energyOf(yield float64) int64 {
	e := minEnergy + int64(float64(maxEnergy-minEnergy)*yield+0.5)
	return max(minEnergy, min(maxEnergy, e))
}

func (c *Corpus) recalc() {
	c.accPrios = c.accPrios[:0]
	c.sumPrios = 0
	for i := range c.meta {
		c.sumPrios += c.meta[i].energy
		c.accPrios = append(c.accPrios, c.sumPrios)
	}
	c.stale = false
}

type Stats struct {
	Entries int
	Signal  int
	Picks   uint64
}

func (c *Corpus) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries: len(c.entries),
		Signal:  len(c.signal),
		Picks:   c.picks,
	}
}
