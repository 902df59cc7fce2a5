package metrics

import "time"

// StatsSource is implemented by the state store so the collector can poll
// it without importing pkg/state (which would create an import cycle,
// since pkg/state imports pkg/metrics for its snapshot counters).
type StatsSource interface {
	TaskCountsByStatus() map[string]int
	GroupCount() int
	GroupParallelismUsage() map[string]int
}

// Collector periodically samples a StatsSource into the queue/group gauges.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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
	for status, count := range c.source.TaskCountsByStatus() {
		TasksTotal.WithLabelValues(status).Set(float64(count))
	}
	GroupsTotal.Set(float64(c.source.GroupCount()))
	for group, used := range c.source.GroupParallelismUsage() {
		GroupParallelismUsed.WithLabelValues(group).Set(float64(used))
	}
}
