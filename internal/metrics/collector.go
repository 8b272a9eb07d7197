package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

// CampaignStats contains campaign statistics for metrics
type CampaignStats struct {
	State   string
	Pending int
}

// CampaignStatsProvider provides the active campaign state for metrics.
// A nil result means there is no campaign.
type CampaignStatsProvider interface {
	CampaignStats(ctx context.Context) (*CampaignStats, error)
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// persistedCounter is one counter series as stored in BoltDB
type persistedCounter struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Collector persists delivery counters across restarts and updates gauges.
// Persistence is skipped when no database is given.
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	stats         CampaignStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector and restores persisted counters
func NewCollector(db *bolt.DB, m *Metrics, stats CampaignStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		stats:         stats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if db == nil {
		return c, nil
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateLoop(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

// persistedCounters returns the counters that survive a restart
func (c *Collector) persistedCounters() map[string]prometheus.Collector {
	return map[string]prometheus.Collector{
		"mailrun_recipients_sent_total":   c.metrics.RecipientsSentTotal,
		"mailrun_recipients_failed_total": c.metrics.RecipientsFailedTotal,
		"mailrun_provider_blocks_total":   c.metrics.ProviderBlocksTotal,
		"mailrun_batches_total":           c.metrics.BatchesTotal,
	}
}

// loadCounters adds persisted values back onto the live counters
func (c *Collector) loadCounters() error {
	var saved []persistedCounter

	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get(keyCounters)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &saved); err != nil {
			saved = nil // Skip invalid data
		}
		return nil
	})
	if err != nil {
		return err
	}

	known := c.persistedCounters()
	for _, pc := range saved {
		switch col := known[pc.Name].(type) {
		case prometheus.Counter:
			col.Add(pc.Value)
		case *prometheus.CounterVec:
			counter, err := col.GetMetricWith(pc.Labels)
			if err != nil {
				continue
			}
			counter.Add(pc.Value)
		}
	}

	return nil
}

// snapshot gathers the current values of the persisted counters
func (c *Collector) snapshot() ([]persistedCounter, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	known := c.persistedCounters()
	var out []persistedCounter

	for _, mf := range families {
		if _, ok := known[mf.GetName()]; !ok {
			continue
		}
		for _, m := range mf.GetMetric() {
			pc := persistedCounter{Name: mf.GetName(), Value: m.GetCounter().GetValue()}
			for _, lp := range m.GetLabel() {
				if pc.Labels == nil {
					pc.Labels = make(map[string]string)
				}
				pc.Labels[lp.GetName()] = lp.GetValue()
			}
			out = append(out, pc)
		}
	}

	return out, nil
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	if c.db == nil {
		return nil
	}

	counters, err := c.snapshot()
	if err != nil {
		return err
	}

	data, err := json.Marshal(counters)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(keyCounters, data)
	})
}

// persistLoop periodically persists counter values
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	if c.db == nil {
		return
	}

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

// updateLoop periodically updates gauges
func (c *Collector) updateLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// collect updates system and campaign gauges
func (c *Collector) collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.stats == nil {
		return
	}

	stats, err := c.stats.CampaignStats(ctx)
	if err != nil {
		return
	}
	if stats == nil {
		// No campaign: everything reads as idle with nothing pending
		stats = &CampaignStats{State: "idle"}
	}

	c.metrics.QueuePending.Set(float64(stats.Pending))
	for _, s := range runStates {
		v := 0.0
		if s == stats.State {
			v = 1
		}
		c.metrics.RunState.WithLabelValues(s).Set(v)
	}
}
