package bcache

import "github.com/prometheus/client_golang/prometheus"

// Collector exports the counters of a Cache as Prometheus metrics.
type Collector struct {
	cache *Cache

	hits         *prometheus.Desc
	misses       *prometheus.Desc
	evictions    *prometheus.Desc
	migrations   *prometheus.Desc
	deviceReads  *prometheus.Desc
	deviceWrites *prometheus.Desc
	deviceErrors *prometheus.Desc
	referenced   *prometheus.Desc
	buffers      *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(c *Cache, namespace string) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "bcache", name), help, nil, nil)
	}
	return &Collector{
		cache:        c,
		hits:         desc("hits_total", "Lookups served by a cached block."),
		misses:       desc("misses_total", "Lookups that had to recycle a slot."),
		evictions:    desc("evictions_total", "Slots recycled within the block's home shard."),
		migrations:   desc("migrations_total", "Free slots moved from another shard."),
		deviceReads:  desc("device_reads_total", "Blocks read from a device."),
		deviceWrites: desc("device_writes_total", "Blocks written to a device."),
		deviceErrors: desc("device_errors_total", "Failed device transfers."),
		referenced:   desc("referenced_buffers", "Slots currently held or pinned."),
		buffers:      desc("buffers", "Total number of buffer slots."),
	}
}

func (m *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.hits
	ch <- m.misses
	ch <- m.evictions
	ch <- m.migrations
	ch <- m.deviceReads
	ch <- m.deviceWrites
	ch <- m.deviceErrors
	ch <- m.referenced
	ch <- m.buffers
}

func (m *Collector) Collect(ch chan<- prometheus.Metric) {
	st := m.cache.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(m.hits, st.Hits)
	counter(m.misses, st.Misses)
	counter(m.evictions, st.Evictions)
	counter(m.migrations, st.Migrations)
	counter(m.deviceReads, st.DeviceReads)
	counter(m.deviceWrites, st.DeviceWrites)
	counter(m.deviceErrors, st.DeviceErrors)
	ch <- prometheus.MustNewConstMetric(m.referenced, prometheus.GaugeValue, float64(m.cache.Referenced()))
	ch <- prometheus.MustNewConstMetric(m.buffers, prometheus.GaugeValue, float64(len(m.cache.bufs)))
}
