/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes Prometheus collectors for agent launches.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "vmlaunch"

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Collector is a prometheus.Collector for launches, lifecycle phases and
// live remote connections.
type Collector struct {
	launches        *prometheus.CounterVec
	launchDuration  prometheus.Histogram
	phaseDuration   *prometheus.HistogramVec
	liveConnections prometheus.GaugeFunc
}

// NewCollector returns a new Collector. liveConnections is sampled on every
// scrape; a nil func reports zero.
func NewCollector(liveConnections func() int) *Collector {
	if liveConnections == nil {
		liveConnections = func() int { return 0 }
	}

	return &Collector{
		launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "launches_total",
				Help:      "The number of agent launch attempts by result.",
			}, []string{"result"},
		),
		launchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "launch_duration_seconds",
				Help:      "The time taken by one agent launch attempt.",
				Buckets:   []float64{1, 10, 30, 60, 120, 300, 600, 1800},
			},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "phase_duration_seconds",
				Help:      "The time spent in each VM lifecycle phase.",
				Buckets:   []float64{0.1, 1, 5, 10, 30, 60, 300, 900},
			}, []string{"phase", "result"},
		),
		liveConnections: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "live_connections",
				Help:      "The number of remote shell connections tracked for shutdown cleanup.",
			}, func() float64 { return float64(liveConnections()) },
		),
	}
}

// ObservePhase records the duration of a lifecycle phase.
func (c *Collector) ObservePhase(phase string, d time.Duration, err error) {
	c.phaseDuration.WithLabelValues(phase, result(err)).Observe(d.Seconds())
}

// ObserveLaunch records the outcome of a launch attempt.
func (c *Collector) ObserveLaunch(d time.Duration, err error) {
	c.launches.WithLabelValues(result(err)).Inc()
	c.launchDuration.Observe(d.Seconds())
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.launches.Describe(ch)
	c.launchDuration.Describe(ch)
	c.phaseDuration.Describe(ch)
	c.liveConnections.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.launches.Collect(ch)
	c.launchDuration.Collect(ch)
	c.phaseDuration.Collect(ch)
	c.liveConnections.Collect(ch)
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}

	return ResultSuccess
}
