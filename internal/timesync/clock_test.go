// ABOUTME: Tests for clock synchronization
// ABOUTME: Covers RTT calculation, sample rejection, and quality tracking
package timesync

import (
	"testing"
	"time"
)

func TestRTTCalculation(t *testing.T) {
	// Simulate a sync exchange with 4.5ms RTT
	t1 := int64(1000000) // client send
	t2 := int64(1002000) // server receive, +2ms
	t3 := int64(1002500) // server send, +0.5ms processing
	t4 := int64(1005000) // client receive, +5ms total

	c := NewClock()
	c.ProcessSyncResponse(t1, t2, t3, t4)

	// RTT = (t4-t1) - (t3-t2) = 5000 - 500 = 4500µs
	_, rtt, _ := c.Stats()
	if rtt != 4500 {
		t.Errorf("expected RTT 4500µs, got %dµs", rtt)
	}
}

func TestFirstSampleEstablishesOffset(t *testing.T) {
	c := NewClock()

	if c.Synced() {
		t.Error("expected not synced initially")
	}

	// Server clock 1s ahead of client, symmetric 2ms path each way
	c.ProcessSyncResponse(1000000, 2002000, 2002100, 1004100)

	if !c.Synced() {
		t.Error("expected synced after first response")
	}

	offset, _, quality := c.Stats()
	if offset < 990000 || offset > 1010000 {
		t.Errorf("expected ~1s offset, got %dµs", offset)
	}
	if quality != QualityGood {
		t.Errorf("expected QualityGood, got %v", quality)
	}
}

func TestHighRTTRejection(t *testing.T) {
	c := NewClock()

	c.ProcessSyncResponse(1000000, 1001000, 1001100, 1025000)
	offset1 := c.Offset()

	// RTT > 100ms: sample discarded, offset untouched
	c.ProcessSyncResponse(2000000, 2001000, 2001100, 2250000)
	if c.Offset() != offset1 {
		t.Error("expected high-RTT sample to be discarded")
	}
}

func TestOutlierResidualRejection(t *testing.T) {
	c := NewClock()

	// Establish offset and drift with two consistent samples
	c.ProcessSyncResponse(1000000, 1001000, 1001100, 1002100)
	c.ProcessSyncResponse(2000000, 2001000, 2001100, 2002100)
	offset := c.Offset()

	// A sudden 80ms clock jump is rejected rather than folded in
	c.ProcessSyncResponse(3000000, 3081000, 3081100, 3002100)
	if got := c.Offset(); got != offset {
		t.Errorf("expected outlier rejected, offset moved %dµs -> %dµs", offset, got)
	}
}

func TestDriftTracking(t *testing.T) {
	c := NewClock()

	// Offset grows 100µs per second of client time: drift = 1e-4
	base := int64(0)
	for i := int64(0); i < 10; i++ {
		t1 := base + i*1000000
		offset := 500000 + i*100
		c.ProcessSyncResponse(t1, t1+offset+500, t1+offset+600, t1+1100)
	}

	offset := c.Offset()
	if offset < 500000 || offset > 502000 {
		t.Errorf("expected offset near 500ms, got %dµs", offset)
	}
}

func TestQualityDegradation(t *testing.T) {
	c := NewClock()

	c.ProcessSyncResponse(1000000, 1001000, 1001100, 1025000)
	if q := c.CheckQuality(); q != QualityGood {
		t.Errorf("expected QualityGood initially, got %v", q)
	}

	c.mu.Lock()
	c.lastSync = time.Now().Add(-6 * time.Second)
	c.mu.Unlock()

	if q := c.CheckQuality(); q != QualityLost {
		t.Errorf("expected QualityLost after silence, got %v", q)
	}
}

func TestNowBeforeSyncIsClientClock(t *testing.T) {
	c := NewClock()

	before := time.Now().UnixMicro()
	got := c.Now()
	after := time.Now().UnixMicro()

	if got < before || got > after {
		t.Error("expected Now to track the client clock before sync")
	}
}

func TestServerToLocalRoundTrip(t *testing.T) {
	c := NewClock()

	clientNow := time.Now().UnixMicro()
	serverNow := clientNow + 2000000 // server 2s ahead
	c.ProcessSyncResponse(clientNow-1000, serverNow, serverNow+50, clientNow)

	local := c.ServerToLocal(serverNow + 100000)
	expected := time.UnixMicro(clientNow + 100000)

	diff := local.Sub(expected).Microseconds()
	if diff < -10000 || diff > 10000 {
		t.Errorf("time conversion off by %dµs", diff)
	}
}
