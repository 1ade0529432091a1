// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics provides small Prometheus-backed counter/gauge/averager
// helpers in the same shape the teacher's own metrics package and
// engine/chain/poll.Set use: register once at construction, observe on the
// hot path without further error handling.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Averager tracks a running average of observed values, the same
// interface shape as the teacher's metrics.Averager.
type Averager interface {
	Observe(value float64)
	Read() float64
}

type averager struct {
	mu    sync.RWMutex
	sum   float64
	count float64

	promCount prometheus.Counter
	promSum   prometheus.Gauge
}

// NewAverager registers a paired counter+gauge under reg and returns an
// Averager wrapping them, matching teacher metrics.NewAverager.
func NewAverager(name, help string, reg prometheus.Registerer) (Averager, error) {
	count := prometheus.NewCounter(prometheus.CounterOpts{
		Name: name + "_count",
		Help: "Total # of observations of " + help,
	})
	sum := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name + "_sum",
		Help: "Sum of " + help,
	})
	if err := reg.Register(count); err != nil {
		return nil, fmt.Errorf("registering %s_count: %w", name, err)
	}
	if err := reg.Register(sum); err != nil {
		return nil, fmt.Errorf("registering %s_sum: %w", name, err)
	}
	return &averager{promCount: count, promSum: sum}, nil
}

func (a *averager) Observe(value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sum += value
	a.count++
	a.promCount.Inc()
	a.promSum.Add(value)
}

func (a *averager) Read() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.count == 0 {
		return 0
	}
	return a.sum / a.count
}

// Gauge tracks a value that moves up and down, backed by a prometheus.Gauge.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Read() float64
}

type gauge struct {
	mu    sync.RWMutex
	value float64
	prom  prometheus.Gauge
}

// NewGauge registers a new Gauge under reg.
func NewGauge(name, help string, reg prometheus.Registerer) (Gauge, error) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	if err := reg.Register(g); err != nil {
		return nil, fmt.Errorf("registering %s: %w", name, err)
	}
	return &gauge{prom: g}, nil
}

func (g *gauge) Set(value float64) {
	g.mu.Lock()
	g.value = value
	g.mu.Unlock()
	g.prom.Set(value)
}

func (g *gauge) Inc() {
	g.mu.Lock()
	g.value++
	g.mu.Unlock()
	g.prom.Inc()
}

func (g *gauge) Dec() {
	g.mu.Lock()
	g.value--
	g.mu.Unlock()
	g.prom.Dec()
}

func (g *gauge) Read() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Counter tracks a monotonically increasing count, backed by a
// prometheus.Counter.
type Counter interface {
	Inc()
	Add(delta float64)
}

type counter struct {
	prom prometheus.Counter
}

// NewCounter registers a new Counter under reg.
func NewCounter(name, help string, reg prometheus.Registerer) (Counter, error) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	if err := reg.Register(c); err != nil {
		return nil, fmt.Errorf("registering %s: %w", name, err)
	}
	return &counter{prom: c}, nil
}

func (c *counter) Inc()               { c.prom.Inc() }
func (c *counter) Add(delta float64) { c.prom.Add(delta) }
