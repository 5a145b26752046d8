// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts engine operations by outcome and times reloads. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Operations     *prometheus.CounterVec
	ReloadDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Number of engine operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		ReloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatcore",
			Subsystem: "engine",
			Name:      "reload_duration_seconds",
			Help:      "Time taken to fetch the authoritative message list.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.ReloadDuration)
	}
	return m
}

func (m *Metrics) observeOperation(op Op, outcome Outcome) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(string(op), string(outcome)).Inc()
}

func (m *Metrics) observeReload(start time.Time) {
	if m == nil {
		return
	}
	m.ReloadDuration.Observe(time.Since(start).Seconds())
}
