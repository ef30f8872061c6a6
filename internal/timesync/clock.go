// ABOUTME: Clock synchronization with drift compensation
// ABOUTME: Tracks both offset AND drift to handle clock frequency differences
package timesync

import (
	"log"
	"sync"
	"time"
)

// Quality represents sync quality
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

// Clock estimates the server clock from client/time round trips. It keeps
// offset and drift so a session that runs for hours stays aligned even
// when the two crystals tick at slightly different rates.
type Clock struct {
	mu             sync.RWMutex
	offset         int64   // current offset in microseconds (server - client)
	drift          float64 // clock drift rate (dimensionless: μs/μs)
	rawOffset      int64   // latest raw offset measurement
	rtt            int64   // latest round-trip time
	quality        Quality
	lastSync       time.Time
	lastSyncMicros int64 // client time (μs) when offset/drift were last updated
	sampleCount    int
	smoothingRate  float64
}

// NewClock creates a clock synchronizer
func NewClock() *Clock {
	return &Clock{
		smoothingRate: 0.1, // 10% weight to new samples
		quality:       QualityLost,
	}
}

// ProcessSyncResponse folds a server/time exchange into the filter.
// t1 = client transmit, t2 = server receive, t3 = server transmit,
// t4 = client receive, all in microseconds.
func (c *Clock) ProcessSyncResponse(t1, t2, t3, t4 int64) {
	rtt, measuredOffset := calculateOffset(t1, t2, t3, t4)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rtt = rtt
	c.rawOffset = measuredOffset
	c.lastSync = time.Now()

	// Discard samples with high RTT (network congestion)
	if rtt > 100000 { // 100ms
		log.Printf("Discarding sync sample: high RTT %dμs", rtt)
		return
	}

	// First sync: initialize offset, no drift yet
	if c.sampleCount == 0 {
		c.offset = measuredOffset
		c.lastSyncMicros = t4
		c.sampleCount++
		c.quality = QualityGood
		log.Printf("Initial sync: offset=%dμs, rtt=%dμs", c.offset, rtt)
		return
	}

	// Second sync: calculate initial drift
	if c.sampleCount == 1 {
		dt := float64(t4 - c.lastSyncMicros)
		if dt > 0 {
			c.drift = float64(measuredOffset-c.offset) / dt
		}
		c.offset = measuredOffset
		c.lastSyncMicros = t4
		c.sampleCount++
		c.quality = QualityGood
		return
	}

	// Subsequent syncs: predict offset using drift, then update both
	dt := float64(t4 - c.lastSyncMicros)
	if dt <= 0 {
		log.Printf("Discarding sync sample: non-monotonic time")
		return
	}

	predictedOffset := c.offset + int64(c.drift*dt)
	residual := measuredOffset - predictedOffset

	// Reject outliers (residual > 50ms suggests network issue or clock jump)
	if residual > 50000 || residual < -50000 {
		log.Printf("Discarding sync sample: large residual %dμs", residual)
		return
	}

	// Simplified Kalman update with a fixed gain
	c.offset = predictedOffset + int64(c.smoothingRate*float64(residual))
	c.drift = c.drift + c.smoothingRate*float64(residual)/dt

	c.lastSyncMicros = t4
	c.sampleCount++

	if rtt < 50000 { // <50ms
		c.quality = QualityGood
	} else {
		c.quality = QualityDegraded
	}
}

// calculateOffset computes RTT and clock offset from the four timestamps
func calculateOffset(t1, t2, t3, t4 int64) (rtt, offset int64) {
	rtt = (t4 - t1) - (t3 - t2)
	offset = ((t2 - t1) + (t3 - t4)) / 2
	return
}

// Offset returns the current offset (server - client) in microseconds
func (c *Clock) Offset() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Stats returns offset, RTT, and quality
func (c *Clock) Stats() (offset, rtt int64, quality Quality) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset, c.rtt, c.quality
}

// Synced reports whether at least one sample has been accepted
func (c *Clock) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sampleCount > 0
}

// CheckQuality downgrades quality when responses stop arriving
func (c *Clock) CheckQuality() Quality {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastSync) > 5*time.Second {
		c.quality = QualityLost
	}
	return c.quality
}

// Now returns the current time in the server's reference frame,
// accounting for both offset and drift. Before the first sync it is just
// the client clock.
func (c *Clock) Now() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clientNow := time.Now().UnixMicro()
	if c.sampleCount == 0 {
		return clientNow
	}

	dt := clientNow - c.lastSyncMicros
	return clientNow + c.offset + int64(c.drift*float64(dt))
}

// ServerToLocal converts a server timestamp (μs) to local wall clock time
func (c *Clock) ServerToLocal(serverMicros int64) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.sampleCount == 0 {
		return time.UnixMicro(serverMicros)
	}

	// Inverse of: server = client + offset + drift*(client - lastSync)
	numerator := float64(serverMicros) - float64(c.offset) + c.drift*float64(c.lastSyncMicros)
	clientMicros := int64(numerator / (1.0 + c.drift))
	return time.UnixMicro(clientMicros)
}
