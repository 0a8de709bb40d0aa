// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package statsexport

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/spacestore/bucketstats"
)

type exportTestStats struct {
	Hits      bucketstats.Total
	Depth     bucketstats.Gauge
	Latency   bucketstats.Average
	SizeBytes bucketstats.BucketLog2
}

func registerTestStats(t *testing.T) (stats *exportTestStats) {
	stats = &exportTestStats{}
	bucketstats.Register("exporttest", "g1", stats)
	t.Cleanup(func() { bucketstats.UnRegister("exporttest", "g1") })
	return
}

func TestCollect(t *testing.T) {
	stats := registerTestStats(t)

	stats.Hits.Add(3)
	stats.Depth.Set(7)
	stats.Latency.Add(10)
	stats.Latency.Add(20)
	stats.SizeBytes.Add(1)
	stats.SizeBytes.Add(5)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(New("spacestore")))

	expected := `
# HELP spacestore_exporttest_hits_total spacestore_exporttest_hits_total
# TYPE spacestore_exporttest_hits_total counter
spacestore_exporttest_hits_total{group="g1"} 3
# HELP spacestore_exporttest_depth spacestore_exporttest_depth
# TYPE spacestore_exporttest_depth gauge
spacestore_exporttest_depth{group="g1"} 7
# HELP spacestore_exporttest_latency_count spacestore_exporttest_latency_count
# TYPE spacestore_exporttest_latency_count counter
spacestore_exporttest_latency_count{group="g1"} 2
# HELP spacestore_exporttest_latency_sum spacestore_exporttest_latency_sum
# TYPE spacestore_exporttest_latency_sum counter
spacestore_exporttest_latency_sum{group="g1"} 30
# HELP spacestore_exporttest_size_bytes spacestore_exporttest_size_bytes
# TYPE spacestore_exporttest_size_bytes histogram
spacestore_exporttest_size_bytes_bucket{group="g1",le="0"} 0
spacestore_exporttest_size_bytes_bucket{group="g1",le="1"} 1
spacestore_exporttest_size_bytes_bucket{group="g1",le="3"} 1
spacestore_exporttest_size_bytes_bucket{group="g1",le="7"} 2
spacestore_exporttest_size_bytes_bucket{group="g1",le="+Inf"} 2
spacestore_exporttest_size_bytes_sum{group="g1"} 6
spacestore_exporttest_size_bytes_count{group="g1"} 2
`

	err := testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"spacestore_exporttest_hits_total",
		"spacestore_exporttest_depth",
		"spacestore_exporttest_latency_count",
		"spacestore_exporttest_latency_sum",
		"spacestore_exporttest_size_bytes",
	)
	assert.NoError(t, err)
}

func TestHandler(t *testing.T) {
	assert := assert.New(t)
	stats := registerTestStats(t)
	stats.Hits.Increment()

	handler, err := Handler(New("spacestore"))
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	defer server.Close()

	response, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	require.NoError(t, err)

	assert.Equal(200, response.StatusCode)
	assert.Contains(string(body), `spacestore_exporttest_hits_total{group="g1"} 1`)
	assert.Contains(string(body), "go_goroutines")
}

func TestSanitize(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("hits", sanitize("Hits"))
	assert.Equal("ghost_hits_b1", sanitize("GhostHitsB1"))
	assert.Equal("sync_usec", sanitize("SyncUsec"))
	assert.Equal("backingstore", sanitize("backingstore"))
	assert.Equal("space_events", sanitize("space.events"))
	assert.Equal("a_b", sanitize("a..b."))
}
