package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

var KVOpens = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "sonic",
	Subsystem: "store",
	Name:      "kv_opens_total",
})

var KVOpenBusy = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "sonic",
	Subsystem: "store",
	Name:      "kv_open_busy_total",
})

var FSTOpens = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "sonic",
	Subsystem: "store",
	Name:      "fst_opens_total",
})

var FSTOpenBusy = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "sonic",
	Subsystem: "store",
	Name:      "fst_open_busy_total",
})

var FSTConsolidations = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "sonic",
	Subsystem: "store",
	Name:      "fst_consolidations_total",
})

var FSTOverflows = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "sonic",
	Subsystem: "store",
	Name:      "fst_consolidation_overflow_words_total",
})

func RegisterMetrics(reg prometheus.Registerer, kv *KVPool, fst *FSTPool) {
	reg.MustRegister(KVOpens, KVOpenBusy, FSTOpens, FSTOpenBusy,
		FSTConsolidations, FSTOverflows)
	reg.MustRegister(NewPebbleCollector(kv))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sonic", Subsystem: "store", Name: "kv_pool_open",
	}, func() float64 { return float64(kv.Count()) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sonic", Subsystem: "store", Name: "fst_pool_open",
	}, func() float64 { return float64(fst.Count()) }))
}

// PebbleCollector exposes engine metrics aggregated over the open
// collection databases of the pool.
type PebbleCollector struct {
	pool *KVPool

	compactionCount         *prometheus.Desc
	compactionEstimatedDebt *prometheus.Desc
	compactionInProgress    *prometheus.Desc

	memtableSize  *prometheus.Desc
	memtableCount *prometheus.Desc

	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
}

func NewPebbleCollector(pool *KVPool) *PebbleCollector {
	return &PebbleCollector{
		pool: pool,

		compactionCount: prometheus.NewDesc(
			"sonic_pebble_compaction_count_total",
			"Total number of compactions performed across open collections",
			nil, nil,
		),
		compactionEstimatedDebt: prometheus.NewDesc(
			"sonic_pebble_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted to reach a stable state",
			nil, nil,
		),
		compactionInProgress: prometheus.NewDesc(
			"sonic_pebble_compaction_in_progress_bytes",
			"Number of bytes being compacted currently",
			nil, nil,
		),

		memtableSize: prometheus.NewDesc(
			"sonic_pebble_memtable_size_bytes",
			"Current size of memtables in bytes",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"sonic_pebble_memtable_count_total",
			"Current count of memtables",
			nil, nil,
		),

		walFiles: prometheus.NewDesc(
			"sonic_pebble_wal_files_total",
			"Number of live WAL files",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"sonic_pebble_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"sonic_pebble_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, nil,
		),
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.compactionCount
	ch <- pc.compactionEstimatedDebt
	ch <- pc.compactionInProgress
	ch <- pc.memtableSize
	ch <- pc.memtableCount
	ch <- pc.walFiles
	ch <- pc.walSize
	ch <- pc.walBytesWritten
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	var (
		compactCount    int64
		compactDebt     uint64
		compactInFlight int64
		memSize         uint64
		memCount        int64
		walFiles        int64
		walSize         uint64
		walWritten      uint64
	)

	pc.pool.Range(func(_ CollectionHash, s *KVStore) bool {
		m := s.Metrics()
		compactCount += m.Compact.Count
		compactDebt += m.Compact.EstimatedDebt
		compactInFlight += m.Compact.InProgressBytes
		memSize += m.MemTable.Size
		memCount += m.MemTable.Count
		walFiles += m.WAL.Files
		walSize += m.WAL.Size
		walWritten += m.WAL.BytesWritten
		return true
	})

	ch <- prometheus.MustNewConstMetric(pc.compactionCount, prometheus.CounterValue, float64(compactCount))
	ch <- prometheus.MustNewConstMetric(pc.compactionEstimatedDebt, prometheus.GaugeValue, float64(compactDebt))
	ch <- prometheus.MustNewConstMetric(pc.compactionInProgress, prometheus.GaugeValue, float64(compactInFlight))
	ch <- prometheus.MustNewConstMetric(pc.memtableSize, prometheus.GaugeValue, float64(memSize))
	ch <- prometheus.MustNewConstMetric(pc.memtableCount, prometheus.GaugeValue, float64(memCount))
	ch <- prometheus.MustNewConstMetric(pc.walFiles, prometheus.GaugeValue, float64(walFiles))
	ch <- prometheus.MustNewConstMetric(pc.walSize, prometheus.GaugeValue, float64(walSize))
	ch <- prometheus.MustNewConstMetric(pc.walBytesWritten, prometheus.CounterValue, float64(walWritten))
}
