package database

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestPoolStatsCollector_Describe(t *testing.T) {
	c := newPoolStatsCollector("auth-service")
	var _ prometheus.Collector = c

	ch := make(chan *prometheus.Desc, 20)
	c.Describe(ch)
	close(ch)

	var names []string
	for d := range ch {
		names = append(names, d.String())
	}
	assert.Len(t, names, 8)

	joined := strings.Join(names, "\n")
	for _, want := range []string{
		"db_pool_acquired_connections",
		"db_pool_idle_connections",
		"db_pool_max_connections",
		"db_pool_acquire_duration_seconds_total",
		"db_pool_canceled_acquire_count_total",
	} {
		assert.Contains(t, joined, want)
	}
}

func TestPoolStatsCollector_CollectWithoutPool(t *testing.T) {
	c := newPoolStatsCollector("auth-service")

	ch := make(chan prometheus.Metric, 20)
	c.Collect(ch)
	close(ch)

	assert.Empty(t, ch)
}
