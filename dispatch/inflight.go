package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// inflightTable tracks per-server and global in-flight dispatch counts.
// Per-server counts are lock-free atomics; the global ceiling is a
// counting semaphore with a bounded acquisition wait.
type inflightTable struct {
	perServer sync.Map // serverID -> *atomic.Int64
	global    atomic.Int64
	sem       chan struct{}
}

func newInflightTable(globalMax int64) *inflightTable {
	return &inflightTable{sem: make(chan struct{}, globalMax)}
}

// acquireGlobal reserves a global slot, waiting at most maxWait. Returns
// false when the plane is saturated.
func (t *inflightTable) acquireGlobal(ctx context.Context, maxWait time.Duration) bool {
	select {
	case t.sem <- struct{}{}:
		t.global.Add(1)
		return true
	default:
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case t.sem <- struct{}{}:
		t.global.Add(1)
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *inflightTable) releaseGlobal() {
	<-t.sem
	t.global.Add(-1)
}

func (t *inflightTable) counter(serverID string) *atomic.Int64 {
	if c, ok := t.perServer.Load(serverID); ok {
		return c.(*atomic.Int64)
	}
	c, _ := t.perServer.LoadOrStore(serverID, &atomic.Int64{})
	return c.(*atomic.Int64)
}

func (t *inflightTable) serverCount(serverID string) int64 {
	return t.counter(serverID).Load()
}

func (t *inflightTable) incServer(serverID string) {
	t.counter(serverID).Add(1)
}

func (t *inflightTable) decServer(serverID string) {
	t.counter(serverID).Add(-1)
}

func (t *inflightTable) globalCount() int64 {
	return t.global.Load()
}

func (t *inflightTable) forget(serverID string) {
	t.perServer.Delete(serverID)
}
