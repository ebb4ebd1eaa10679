package metrics

import (
	"time"

	"github.com/opensafely-core/job-runner/pkg/store"
	"github.com/opensafely-core/job-runner/pkg/types"
)

// Collector periodically scans the store and publishes job-count gauges,
// the way a dashboard would otherwise have to reconstruct them by polling
// every job row itself.
type Collector struct {
	store  *store.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over st.
func NewCollector(st *store.Store) *Collector {
	return &Collector{
		store:  st,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
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
	pending, err := c.store.FindJobs(store.JobFilter{Status: []types.State{types.StatePending}})
	if err == nil {
		JobsPending.Set(float64(len(pending)))
	}

	running, err := c.store.FindJobs(store.JobFilter{Status: []types.State{types.StateRunning}})
	if err == nil {
		JobsRunning.Set(float64(len(running)))
	}

	if err == nil {
		c.collectPrivacyLevels(append(pending, running...))
	}
}

// collectPrivacyLevels buckets active jobs by the privacy levels their
// declared outputs touch. A job whose action writes both a highly_sensitive
// and a moderately_sensitive output is counted in both buckets.
func (c *Collector) collectPrivacyLevels(active []*types.Job) {
	counts := map[types.PrivacyLevel]int{
		types.HighlySensitive:     0,
		types.ModeratelySensitive: 0,
	}
	for _, job := range active {
		for level := range job.OutputSpec {
			counts[level]++
		}
	}
	for level, count := range counts {
		JobsByPrivacyLevel.WithLabelValues(string(level)).Set(float64(count))
	}
}
