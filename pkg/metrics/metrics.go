// Package metrics tracks engine runtime statistics.
package metrics

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks engine runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	startTime time.Time

	// Lifecycle counters
	PartiesCreated   atomic.Int64 // parties founded
	PartiesDisbanded atomic.Int64 // parties removed by their leader
	Joins            atomic.Int64 // successful joins
	Leaves           atomic.Int64 // non-leader leaves
	Kicks            atomic.Int64 // members kicked by a leader
	Rejected         atomic.Int64 // operations refused with a domain error

	// Sweeper counters
	Sweeps              atomic.Int64 // completed sweep ticks
	SweepFailures       atomic.Int64 // ticks whose batch failed
	Evictions           atomic.Int64 // members removed for being offline
	LeaderAbsentDisband atomic.Int64 // parties deleted because the leader was offline
	OverCapacity        atomic.Int64 // over-capacity parties observed by the sweeper

	// Queue counters
	QueueJoins  atomic.Int64 // entries appended
	QueueLeaves atomic.Int64 // entries removed by their owner
	QueueServed atomic.Int64 // entries popped from the head
}

// New creates a new Metrics instance with the start time set to now.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// PartyCreated counts a founded party.
func (m *Metrics) PartyCreated() {
	if m != nil {
		m.PartiesCreated.Add(1)
	}
}

// PartyDisbanded counts a leader-initiated disband.
func (m *Metrics) PartyDisbanded() {
	if m != nil {
		m.PartiesDisbanded.Add(1)
	}
}

func (m *Metrics) Joined() {
	if m != nil {
		m.Joins.Add(1)
	}
}

func (m *Metrics) Left() {
	if m != nil {
		m.Leaves.Add(1)
	}
}

func (m *Metrics) Kicked() {
	if m != nil {
		m.Kicks.Add(1)
	}
}

// Reject counts an operation refused with a domain error.
func (m *Metrics) Reject() {
	if m != nil {
		m.Rejected.Add(1)
	}
}

func (m *Metrics) Swept() {
	if m != nil {
		m.Sweeps.Add(1)
	}
}

func (m *Metrics) SweepFailed() {
	if m != nil {
		m.SweepFailures.Add(1)
	}
}

// Evicted counts n members removed by the sweeper.
func (m *Metrics) Evicted(n int) {
	if m != nil {
		m.Evictions.Add(int64(n))
	}
}

// LeaderAbsent counts n parties deleted for an offline leader.
func (m *Metrics) LeaderAbsent(n int) {
	if m != nil {
		m.LeaderAbsentDisband.Add(int64(n))
	}
}

// OverCapacitySeen counts n over-capacity parties.
func (m *Metrics) OverCapacitySeen(n int) {
	if m != nil {
		m.OverCapacity.Add(int64(n))
	}
}

func (m *Metrics) QueueJoined() {
	if m != nil {
		m.QueueJoins.Add(1)
	}
}

func (m *Metrics) QueueLeft() {
	if m != nil {
		m.QueueLeaves.Add(1)
	}
}

func (m *Metrics) Served() {
	if m != nil {
		m.QueueServed.Add(1)
	}
}

// Snapshot is a point-in-time view of all metrics as a serializable struct.
type Snapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	PartiesCreated   int64 `json:"parties_created"`
	PartiesDisbanded int64 `json:"parties_disbanded"`
	Joins            int64 `json:"joins"`
	Leaves           int64 `json:"leaves"`
	Kicks            int64 `json:"kicks"`
	Rejected         int64 `json:"rejected"`

	Sweeps              int64 `json:"sweeps"`
	SweepFailures       int64 `json:"sweep_failures"`
	Evictions           int64 `json:"evictions"`
	LeaderAbsentDisband int64 `json:"leader_absent_disbands"`
	OverCapacity        int64 `json:"over_capacity"`

	QueueJoins  int64 `json:"queue_joins"`
	QueueLeaves int64 `json:"queue_leaves"`
	QueueServed int64 `json:"queue_served"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	uptime := time.Since(m.startTime)
	return Snapshot{
		Uptime:              uptime.Truncate(time.Second).String(),
		UptimeSeconds:       int64(uptime.Seconds()),
		PartiesCreated:      m.PartiesCreated.Load(),
		PartiesDisbanded:    m.PartiesDisbanded.Load(),
		Joins:               m.Joins.Load(),
		Leaves:              m.Leaves.Load(),
		Kicks:               m.Kicks.Load(),
		Rejected:            m.Rejected.Load(),
		Sweeps:              m.Sweeps.Load(),
		SweepFailures:       m.SweepFailures.Load(),
		Evictions:           m.Evictions.Load(),
		LeaderAbsentDisband: m.LeaderAbsentDisband.Load(),
		OverCapacity:        m.OverCapacity.Load(),
		QueueJoins:          m.QueueJoins.Load(),
		QueueLeaves:         m.QueueLeaves.Load(),
		QueueServed:         m.QueueServed.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"parties_created", s.PartiesCreated,
		"joins", s.Joins,
		"rejected", s.Rejected,
		"sweeps", s.Sweeps,
		"sweep_failures", s.SweepFailures,
		"evictions", s.Evictions,
		"leader_absent", s.LeaderAbsentDisband,
		"queue_joins", s.QueueJoins,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
