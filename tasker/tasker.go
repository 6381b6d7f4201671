// Package tasker runs the periodic store maintenance: the pool janitor and
// the FST consolidation pass share one fixed-tick scheduler.
package tasker

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/valeriansaliou/sonic/config"
	"github.com/valeriansaliou/sonic/store"
	"github.com/valeriansaliou/sonic/utils"
)

const tickInterval = 10 * time.Second

var Ticks = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "sonic",
	Subsystem: "tasker",
	Name:      "ticks_total",
})

var JanitorClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sonic",
	Subsystem: "tasker",
	Name:      "janitor_closed_total",
}, []string{"pool"})

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Ticks, JanitorClosed)
}

type Tasker struct {
	log utils.Logger
	cfg *config.Config
	kv  *store.KVPool
	fst *store.FSTPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(log utils.Logger, cfg *config.Config, kv *store.KVPool, fst *store.FSTPool) *Tasker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tasker{
		log:    log,
		cfg:    cfg,
		kv:     kv,
		fst:    fst,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run starts the scheduler. Pool handles are acquired per cycle and never
// held across a sleep.
func (t *Tasker) Run() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-t.ctx.Done():
				return
			case <-ticker.C:
				t.cycle()
			}
		}
	}()
}

func (t *Tasker) cycle() {
	Ticks.Inc()

	JanitorClosed.WithLabelValues("kv").Add(float64(t.kv.Janitor()))
	JanitorClosed.WithLabelValues("fst").Add(float64(t.fst.Janitor()))

	t.kv.FlushStale()
	t.fst.ConsolidateDue(false)
}

// TriggerConsolidate folds pending words of every open graph immediately,
// used by the control channel.
func (t *Tasker) TriggerConsolidate() {
	t.fst.ConsolidateDue(true)
}

func (t *Tasker) Close() {
	t.cancel()
	t.wg.Wait()
}
