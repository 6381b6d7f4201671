package channel

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/valeriansaliou/sonic/store"
)

var CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sonic",
	Subsystem: "channel",
	Name:      "commands_total",
}, []string{"mode", "command"})

var ClientsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "sonic",
	Subsystem: "channel",
	Name:      "clients_connected",
})

var CommandDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "sonic",
	Subsystem: "channel",
	Name:      "command_duration_seconds",
	Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
})

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(CommandsTotal, ClientsConnected, CommandDuration)
}

// Statistics aggregates the process-wide counters surfaced by INFO.
type Statistics struct {
	startTime time.Time

	clientsConnected atomic.Int64
	commandsTotal    atomic.Uint64

	// microseconds; best is the smallest non-zero sample seen
	commandLatencyBest  atomic.Uint32
	commandLatencyWorst atomic.Uint32
}

func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) clientIn() {
	s.clientsConnected.Add(1)
	ClientsConnected.Inc()
}

func (s *Statistics) clientOut() {
	s.clientsConnected.Add(-1)
	ClientsConnected.Dec()
}

func (s *Statistics) observe(mode mode, command string, took time.Duration) {
	s.commandsTotal.Add(1)
	CommandsTotal.WithLabelValues(mode.String(), command).Inc()
	CommandDuration.Observe(took.Seconds())

	micros := uint32(took.Microseconds())
	if micros == 0 {
		micros = 1
	}
	for {
		best := s.commandLatencyBest.Load()
		if best != 0 && micros >= best {
			break
		}
		if s.commandLatencyBest.CompareAndSwap(best, micros) {
			break
		}
	}
	for {
		worst := s.commandLatencyWorst.Load()
		if micros <= worst {
			break
		}
		if s.commandLatencyWorst.CompareAndSwap(worst, micros) {
			break
		}
	}
}

// Render emits the one-line key=value INFO payload.
func (s *Statistics) Render(kv *store.KVPool, fst *store.FSTPool) string {
	return fmt.Sprintf(
		"uptime(%d) clients_connected(%d) commands_total(%d) command_latency_best(%d) command_latency_worst(%d) kv_open_count(%d) fst_open_count(%d) fst_consolidate_count(%d)",
		int64(time.Since(s.startTime).Seconds()),
		s.clientsConnected.Load(),
		s.commandsTotal.Load(),
		s.commandLatencyBest.Load(),
		s.commandLatencyWorst.Load(),
		kv.Count(),
		fst.Count(),
		fst.ConsolidatingCount(),
	)
}
