package bcache

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	cache, _ := openTestCache(t, 4, 2)
	col := NewCollector(cache, "test")

	assert.Equal(t, 9, testutil.CollectAndCount(col))

	bp := mustRead(t, cache, 0, 1)
	require.NoError(t, cache.Write(bp))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(col))
	mfs, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range mfs {
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			values[mf.GetName()] = c.GetValue()
		} else {
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, 1.0, values["test_bcache_misses_total"])
	assert.Equal(t, 1.0, values["test_bcache_device_reads_total"])
	assert.Equal(t, 1.0, values["test_bcache_device_writes_total"])
	assert.Equal(t, 1.0, values["test_bcache_referenced_buffers"])
	assert.Equal(t, 4.0, values["test_bcache_buffers"])

	cache.Release(bp)
	closeTestCache(t, cache)
}
