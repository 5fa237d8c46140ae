package metrics

import (
	"fmt"
	"net/http"
	"time"
)

// ServeHTTP writes all metrics in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("rally_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("rally_parties_created_total", "Parties founded.", "counter", m.PartiesCreated.Load())
	write("rally_parties_disbanded_total", "Parties disbanded by their leader.", "counter", m.PartiesDisbanded.Load())
	write("rally_joins_total", "Successful party joins.", "counter", m.Joins.Load())
	write("rally_leaves_total", "Non-leader party leaves.", "counter", m.Leaves.Load())
	write("rally_kicks_total", "Members kicked by a leader.", "counter", m.Kicks.Load())
	write("rally_rejected_total", "Operations refused with a domain error.", "counter", m.Rejected.Load())

	write("rally_sweeps_total", "Completed sweep ticks.", "counter", m.Sweeps.Load())
	write("rally_sweep_failures_total", "Sweep ticks whose batch failed.", "counter", m.SweepFailures.Load())
	write("rally_evictions_total", "Members evicted for being offline.", "counter", m.Evictions.Load())
	write("rally_leader_absent_disbands_total", "Parties deleted because the leader was offline.", "counter",
		m.LeaderAbsentDisband.Load())
	write("rally_over_capacity_total", "Over-capacity parties observed by the sweeper.", "counter", m.OverCapacity.Load())

	write("rally_queue_joins_total", "Queue entries appended.", "counter", m.QueueJoins.Load())
	write("rally_queue_leaves_total", "Queue entries removed by their owner.", "counter", m.QueueLeaves.Load())
	write("rally_queue_served_total", "Queue entries served from the head.", "counter", m.QueueServed.Load())
}

// Healthz answers liveness probes.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
