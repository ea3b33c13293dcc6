package telemetry

import (
	"sync/atomic"
	"time"
)

// Counters are the process-lifetime Session Counters (spec §3). They are
// written exclusively by the Poll Scheduler and may be read without locking
// by the Query Interface; readers accept a possibly-stale snapshot.
type Counters struct {
	readsOK     atomic.Int64
	readsErr    atomic.Int64
	lastReadAt  atomic.Int64 // unix nanos, 0 == never
	connected   atomic.Bool
	startedAt   time.Time
}

// NewCounters returns a zeroed counter set stamped with the process start
// time, used to derive uptime.
func NewCounters(startedAt time.Time) *Counters {
	return &Counters{startedAt: startedAt}
}

// RecordSuccess increments reads_ok and stamps last_read_at.
func (c *Counters) RecordSuccess(at time.Time) {
	c.readsOK.Add(1)
	c.lastReadAt.Store(at.UnixNano())
}

// RecordError increments reads_err.
func (c *Counters) RecordError() {
	c.readsErr.Add(1)
}

// SetConnected records the current link state as observed by the scheduler.
func (c *Counters) SetConnected(connected bool) {
	c.connected.Store(connected)
}

// Snapshot returns a StatusRecord built from the current counter values.
func (c *Counters) Snapshot(now time.Time) StatusRecord {
	ok := c.readsOK.Load()
	errs := c.readsErr.Load()

	var lastRead *time.Time
	if nanos := c.lastReadAt.Load(); nanos != 0 {
		t := time.Unix(0, nanos).UTC()
		lastRead = &t
	}

	var successRate float64
	if total := ok + errs; total > 0 {
		successRate = float64(ok) / float64(total) * 100
	}

	return StatusRecord{
		Timestamp:       now,
		LinkUp:          c.connected.Load(),
		LastAcquisition: lastRead,
		ReadsOK:         ok,
		ReadsErr:        errs,
		UptimeSeconds:   now.Sub(c.startedAt).Seconds(),
		SuccessRatePct:  successRate,
	}
}
