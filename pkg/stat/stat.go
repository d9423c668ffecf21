// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stat provides named metrics for a fuzzing session.
//
//	execs := set.New("execs", "Total executions", stat.Rate{}, stat.Prometheus("covfuzz_execs_total"))
//	execs.Add(1)
//
//	set.New("corpus", "Corpus size", func() int { return c.Len() })
//
// Each Set has its own Prometheus registry, so several sessions in one process
// (e.g. tests) do not collide.
package stat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus exports the metric to Prometheus under the given name.
type Prometheus string

// Rate says to report the metric rate per unit of time rather than the total value.
type Rate struct{}

// Distribution says to keep a histogram of individual samples; Val returns their mean.
type Distribution struct{}

// Additionally a custom 'func() int' can be passed to read the metric value from the function,
// and 'func(int, time.Duration) string' for custom formatting of the metric value.

const histogramBuckets = 255

type Set struct {
	start    time.Time
	registry *prometheus.Registry

	mu        sync.Mutex
	vals      map[string]*Val
	nextOrder uint64
}

func NewSet() *Set {
	return &Set{
		start:    time.Now(),
		registry: prometheus.NewRegistry(),
		vals:     make(map[string]*Val),
	}
}

func (s *Set) New(name, desc string, opts ...any) *Val {
	v := &Val{
		name: name,
		desc: desc,
		fmt:  func(v int, period time.Duration) string { return strconv.Itoa(v) },
	}
	for _, o := range opts {
		switch opt := o.(type) {
		case Rate:
			v.rate = true
			v.fmt = formatRate
		case Distribution:
			v.hist = true
		case func() int:
			v.ext = opt
		case func(int, time.Duration) string:
			v.fmt = opt
		case Prometheus:
			s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: string(opt),
				Help: desc,
			},
				func() float64 { return float64(v.Val()) },
			))
		default:
			panic(fmt.Sprintf("unknown stats option %#v", o))
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vals[name] != nil {
		panic(fmt.Sprintf("duplicate stat %v", name))
	}
	s.nextOrder++
	v.order = s.nextOrder
	s.vals[name] = v
	return v
}

type UI struct {
	Name  string
	Desc  string
	Value string
	V     int
}

// Collect returns all metrics in registration order.
func (s *Set) Collect() []UI {
	s.mu.Lock()
	defer s.mu.Unlock()
	period := time.Since(s.start).Truncate(time.Second)
	if period < time.Second {
		period = time.Second
	}
	vals := make([]*Val, 0, len(s.vals))
	for _, v := range s.vals {
		vals = append(vals, v)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i].order < vals[j].order })
	res := make([]UI, 0, len(vals))
	for _, v := range vals {
		val := v.Val()
		res = append(res, UI{
			Name:  v.name,
			Desc:  v.desc,
			Value: v.fmt(val, period),
			V:     val,
		})
	}
	return res
}

// Handler serves the Prometheus metrics of the set.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// Serve exports the metrics on addr until ctx is done.
func (s *Set) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %v: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type Val struct {
	name    string
	desc    string
	order   uint64
	val     atomic.Uint64
	ext     func() int
	fmt     func(int, time.Duration) string
	rate    bool
	hist    bool
	histMu  sync.Mutex
	histVal *gohistogram.NumericHistogram
}

func (v *Val) Add(val int) {
	if v.ext != nil {
		panic(fmt.Sprintf("stat %v is in external mode", v.name))
	}
	if v.hist {
		v.histMu.Lock()
		if v.histVal == nil {
			v.histVal = gohistogram.NewHistogram(histogramBuckets)
		}
		v.histVal.Add(float64(val))
		v.histMu.Unlock()
		return
	}
	v.val.Add(uint64(val))
}

func (v *Val) Val() int {
	if v.ext != nil {
		return v.ext()
	}
	if v.hist {
		v.histMu.Lock()
		defer v.histMu.Unlock()
		if v.histVal == nil {
			return 0
		}
		return int(v.histVal.Mean())
	}
	return int(v.val.Load())
}

// Quantile returns the q-th quantile of a distribution metric.
func (v *Val) Quantile(q float64) int {
	v.histMu.Lock()
	defer v.histMu.Unlock()
	if v.histVal == nil {
		return 0
	}
	return int(v.histVal.Quantile(q))
}

func formatRate(v int, period time.Duration) string {
	secs := max(1, int(period.Seconds()))
	if x := v / secs; x >= 10 {
		return fmt.Sprintf("%v (%v/sec)", v, x)
	}
	if x := v * 60 / secs; x >= 10 {
		return fmt.Sprintf("%v (%v/min)", v, x)
	}
	x := v * 60 * 60 / secs
	return fmt.Sprintf("%v (%v/hour)", v, x)
}
