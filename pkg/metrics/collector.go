package metrics

import (
	"strconv"
	"time"

	"github.com/cuemby/dedupd/pkg/controller"
)

// Collector polls the controller's live state and pushes it into the
// package gauges.
type Collector struct {
	ctrl   *controller.Controller
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(ctrl *controller.Controller) *Collector {
	return &Collector{
		ctrl:   ctrl,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 5s tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectEnvironmentMetrics()
	c.collectMachineMetrics()
	c.collectRequestMetrics()
	c.collectDecisionMetrics()
}

func (c *Collector) collectEnvironmentMetrics() {
	for _, env := range c.ctrl.EnvironmentNames() {
		stats := c.ctrl.EnvStats(env)
		if stats == nil {
			continue
		}

		warm, dedup, base := stats.Counts()
		SandboxesWarm.WithLabelValues(env).Set(float64(warm))
		SandboxesDedup.WithLabelValues(env).Set(float64(dedup))
		SandboxesBase.WithLabelValues(env).Set(float64(base))

		ArrivalRate.WithLabelValues(env).Set(stats.MovingWindowArrivalRate())

		warmEMA, dedupEMA := stats.EMAs()
		WarmStartEMA.WithLabelValues(env).Set(warmEMA)
		DedupStartEMA.WithLabelValues(env).Set(dedupEMA)
	}
}

func (c *Collector) collectMachineMetrics() {
	for _, m := range c.ctrl.Machines() {
		MachineUsedMemoryMB.WithLabelValues(strconv.Itoa(m.ID)).Set(m.UsedMemoryMB())
	}
}

func (c *Collector) collectRequestMetrics() {
	RequestsScheduled.Set(float64(c.ctrl.Issued()))
	RequestsCompleted.Set(float64(c.ctrl.Completed()))
	RequestsDropped.Set(float64(c.ctrl.Dropped()))
	EvictionsTotal.Set(float64(c.ctrl.Evictions()))
}

func (c *Collector) collectDecisionMetrics() {
	for decision, byEnv := range c.ctrl.DecisionCounts() {
		for env, n := range byEnv {
			DecisionsTotal.WithLabelValues(decision, env).Set(float64(n))
		}
	}
}
