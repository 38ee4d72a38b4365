package metrics

import (
	"sync"
	"time"
)

// Collector tracks relay counters for the /metrics endpoint.
type Collector struct {
	mu sync.RWMutex

	// Relay requests
	requestsByProvider map[string]int64 // accepted calls by provider
	rejectsByCode      map[string]int64 // 400s by error code
	streamsInProgress  map[string]int64 // open upstream streams by provider

	// Upstream
	upstreamFailures map[string]int64 // 500s and mid-stream errors by provider
	upstreamLatency  map[string]int64 // total stream duration in ms by provider

	// Stream output
	deltasByProvider map[string]int64
	bytesByProvider  map[string]int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		requestsByProvider: make(map[string]int64),
		rejectsByCode:      make(map[string]int64),
		streamsInProgress:  make(map[string]int64),
		upstreamFailures:   make(map[string]int64),
		upstreamLatency:    make(map[string]int64),
		deltasByProvider:   make(map[string]int64),
		bytesByProvider:    make(map[string]int64),
		startTime:          time.Now(),
	}
}

// RecordReject records a request rejected before any provider was contacted.
func (c *Collector) RecordReject(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rejectsByCode[code]++
}

// RecordStreamStart records an accepted request and increments the open stream gauge.
func (c *Collector) RecordStreamStart(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsByProvider[provider]++
	c.streamsInProgress[provider]++
}

// RecordStreamEnd decrements the open stream gauge and adds the stream duration.
func (c *Collector) RecordStreamEnd(provider string, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.streamsInProgress[provider]--
	c.upstreamLatency[provider] += duration.Milliseconds()
	if err != nil {
		c.upstreamFailures[provider]++
	}
}

// RecordDelta records one text record written to a client.
func (c *Collector) RecordDelta(provider string, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deltasByProvider[provider]++
	c.bytesByProvider[provider] += int64(size)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Uptime             int64
	RequestsByProvider map[string]int64
	RejectsByCode      map[string]int64
	StreamsInProgress  map[string]int64
	UpstreamFailures   map[string]int64
	UpstreamLatency    map[string]int64
	DeltasByProvider   map[string]int64
	BytesByProvider    map[string]int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:             int64(time.Since(c.startTime).Seconds()),
		RequestsByProvider: copyMap(c.requestsByProvider),
		RejectsByCode:      copyMap(c.rejectsByCode),
		StreamsInProgress:  copyMap(c.streamsInProgress),
		UpstreamFailures:   copyMap(c.upstreamFailures),
		UpstreamLatency:    copyMap(c.upstreamLatency),
		DeltasByProvider:   copyMap(c.deltasByProvider),
		BytesByProvider:    copyMap(c.bytesByProvider),
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
