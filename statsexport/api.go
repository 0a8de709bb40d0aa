// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package statsexport publishes every bucketstats statistic as a Prometheus
// metric. A statistic named Stat in group Group of package pkg becomes
//
//   <namespace>_<pkg>_<stat>_total{group="Group"}   for a Total
//   <namespace>_<pkg>_<stat>{group="Group"}         for a Gauge
//   <namespace>_<pkg>_<stat>_count / _sum           for an Average
//   <namespace>_<pkg>_<stat>                        histogram, for a BucketLog2
//
// with names converted to snake case.
package statsexport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is an unchecked prometheus.Collector over the bucketstats
// registry; the set of metrics follows whatever is registered at Collect()
// time.
type Collector struct {
	namespace string
}

func New(namespace string) *Collector {
	return &Collector{namespace: sanitize(namespace)}
}

// Describe sends nothing, making the Collector unchecked.
func (collector *Collector) Describe(ch chan<- *prometheus.Desc) {
}

func (collector *Collector) Collect(ch chan<- prometheus.Metric) {
	collector.collect(ch)
}

// Handler returns an http.Handler serving collector, plus the Go runtime
// and process collectors, from a registry of its own.
func Handler(collector *Collector) (handler http.Handler, err error) {
	registry := prometheus.NewRegistry()

	for _, c := range []prometheus.Collector{
		collector,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	} {
		err = registry.Register(c)
		if nil != err {
			return
		}
	}

	handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return
}
