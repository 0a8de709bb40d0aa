// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package statsexport

import (
	"math"
	"strings"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/NVIDIA/spacestore/bucketstats"
	"github.com/NVIDIA/spacestore/logger"
)

var groupLabel = []string{"group"}

func (collector *Collector) collect(ch chan<- prometheus.Metric) {
	bucketstats.Walk(func(pkgName string, statsGroupName string, statName string, stat interface{}) {
		name := prometheus.BuildFQName(collector.namespace, sanitize(pkgName), sanitize(statName))

		var err error

		switch s := stat.(type) {
		case *bucketstats.Total:
			err = emit(ch, name+"_total", prometheus.CounterValue, float64(s.TotalGet()), statsGroupName)
		case *bucketstats.Gauge:
			err = emit(ch, name, prometheus.GaugeValue, float64(s.LevelGet()), statsGroupName)
		case *bucketstats.Average:
			err = emit(ch, name+"_count", prometheus.CounterValue, float64(s.CountGet()), statsGroupName)
			if nil == err {
				err = emit(ch, name+"_sum", prometheus.CounterValue, float64(s.TotalGet()), statsGroupName)
			}
		case *bucketstats.BucketLog2:
			err = emitHistogram(ch, name, s, statsGroupName)
		}

		if nil != err {
			logger.WarnfWithError(err, "statsexport unable to export %s.%s.%s", pkgName, statsGroupName, statName)
		}
	})
}

func emit(ch chan<- prometheus.Metric, name string, valueType prometheus.ValueType, value float64, group string) (err error) {
	desc := prometheus.NewDesc(name, name, groupLabel, nil)

	metric, err := prometheus.NewConstMetric(desc, valueType, value, group)
	if nil != err {
		return
	}

	ch <- metric

	return
}

// emitHistogram turns the log2 buckets into cumulative buckets keyed by
// each bucket's RangeHigh.
func emitHistogram(ch chan<- prometheus.Metric, name string, stat *bucketstats.BucketLog2, group string) (err error) {
	var (
		count      uint64
		cumulative = make(map[float64]uint64)
	)

	for _, bucket := range stat.DistGet() {
		count += bucket.Count
		upperBound := float64(bucket.RangeHigh)
		if math.MaxUint64 == bucket.RangeHigh {
			upperBound = math.Inf(+1)
		}
		cumulative[upperBound] = count
	}

	desc := prometheus.NewDesc(name, name, groupLabel, nil)

	metric, err := prometheus.NewConstHistogram(desc, count, float64(stat.TotalGet()), cumulative, group)
	if nil != err {
		return
	}

	ch <- metric

	return
}

// sanitize converts CamelCase and punctuation to lower snake case.
func sanitize(name string) string {
	var (
		builder strings.Builder
		prev    rune
	)

	for i, r := range name {
		switch {
		case unicode.IsUpper(r):
			if (0 < i) && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
				builder.WriteByte('_')
			}
			builder.WriteRune(unicode.ToLower(r))
		case unicode.IsLower(r) || unicode.IsDigit(r):
			builder.WriteRune(r)
		default:
			if (0 < builder.Len()) && ('_' != prev) {
				builder.WriteByte('_')
			}
			r = '_'
		}
		prev = r
	}

	return strings.TrimSuffix(builder.String(), "_")
}
