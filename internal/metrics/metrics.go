package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	eventsTotal atomic.Uint64
	byType      sync.Map // string -> *atomic.Uint64

	approvalsCreated  atomic.Uint64
	approvalsAllowed  atomic.Uint64
	approvalsDenied   atomic.Uint64
	approvalsTimedOut atomic.Uint64

	capabilityDenied atomic.Uint64

	actionsRecorded atomic.Uint64
	undoSucceeded   atomic.Uint64
	undoFailed      atomic.Uint64

	persistOK     atomic.Uint64
	persistFailed atomic.Uint64

	appendFailed atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncEvent(eventType string) {
	if c == nil {
		return
	}
	c.eventsTotal.Add(1)
	if eventType == "" {
		eventType = "unknown"
	}
	ptr, _ := c.byType.LoadOrStore(eventType, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (c *Collector) IncApprovalCreated() {
	if c == nil {
		return
	}
	c.approvalsCreated.Add(1)
}

// ObserveApproval counts a resolved approval by outcome.
func (c *Collector) ObserveApproval(allowed, timedOut bool) {
	if c == nil {
		return
	}
	switch {
	case timedOut:
		c.approvalsTimedOut.Add(1)
		c.approvalsDenied.Add(1)
	case allowed:
		c.approvalsAllowed.Add(1)
	default:
		c.approvalsDenied.Add(1)
	}
}

func (c *Collector) IncCapabilityDenied() {
	if c == nil {
		return
	}
	c.capabilityDenied.Add(1)
}

func (c *Collector) IncActionRecorded() {
	if c == nil {
		return
	}
	c.actionsRecorded.Add(1)
}

func (c *Collector) ObserveUndo(success bool) {
	if c == nil {
		return
	}
	if success {
		c.undoSucceeded.Add(1)
	} else {
		c.undoFailed.Add(1)
	}
}

// ObservePersist counts registry state-file writes.
func (c *Collector) ObservePersist(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.persistFailed.Add(1)
	} else {
		c.persistOK.Add(1)
	}
}

// IncAppendFailed counts events the store refused.
func (c *Collector) IncAppendFailed() {
	if c == nil {
		return
	}
	c.appendFailed.Add(1)
}

type HandlerOptions struct {
	RunningSessions  func() int
	PendingApprovals func() int
	DroppedEvents    func() int64
}

type counter struct {
	name, help string
	v          *atomic.Uint64
}

func (c *Collector) counters() []counter {
	return []counter{
		{"actiond_events_total", "Total number of events appended.", &c.eventsTotal},
		{"actiond_event_append_failures_total", "Events the store failed to append.", &c.appendFailed},
		{"actiond_approvals_created_total", "Approval requests registered.", &c.approvalsCreated},
		{"actiond_approvals_allowed_total", "Approvals resolved as allow-once or allow-always.", &c.approvalsAllowed},
		{"actiond_approvals_denied_total", "Approvals resolved as deny, including timeouts.", &c.approvalsDenied},
		{"actiond_approvals_timed_out_total", "Approvals that expired without a decision.", &c.approvalsTimedOut},
		{"actiond_capability_denied_total", "Tool calls refused by the capability store.", &c.capabilityDenied},
		{"actiond_actions_recorded_total", "Actions appended to the journal.", &c.actionsRecorded},
		{"actiond_undo_success_total", "Successful undo operations.", &c.undoSucceeded},
		{"actiond_undo_failure_total", "Failed undo operations.", &c.undoFailed},
		{"actiond_registry_persist_total", "Successful process registry state writes.", &c.persistOK},
		{"actiond_registry_persist_failures_total", "Failed process registry state writes.", &c.persistFailed},
	}
}

// Handler serves the Prometheus text exposition format.
func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		writeMetric(w, "actiond_up", "gauge", "Whether the actiond server is running.", 1)
		writeMetric(w, "actiond_uptime_seconds", "gauge", "Seconds since the collector was created.",
			uint64(time.Since(c.startedAt).Seconds()))
		for _, m := range c.counters() {
			writeMetric(w, m.name, "counter", m.help, m.v.Load())
		}

		if kinds := snapshotKeys(&c.byType); len(kinds) > 0 {
			fmt.Fprint(w, "# HELP actiond_events_by_type_total Total events appended by type.\n")
			fmt.Fprint(w, "# TYPE actiond_events_by_type_total counter\n")
			for _, k := range kinds {
				ptr, _ := c.byType.Load(k)
				fmt.Fprintf(w, "actiond_events_by_type_total{type=\"%s\"} %d\n", escapeLabelValue(k), ptr.(*atomic.Uint64).Load())
			}
		}

		gauges := []struct {
			name, help string
			fn         func() uint64
		}{
			{"actiond_sessions_running", "Process sessions currently running.", intGauge(opts.RunningSessions)},
			{"actiond_approvals_pending", "Approvals awaiting a decision.", intGauge(opts.PendingApprovals)},
		}
		for _, g := range gauges {
			if g.fn != nil {
				writeMetric(w, g.name, "gauge", g.help, g.fn())
			}
		}
		if opts.DroppedEvents != nil {
			writeMetric(w, "actiond_events_dropped_total", "counter", "Events dropped due to slow subscribers.", uint64(opts.DroppedEvents()))
		}
	})
}

func intGauge(fn func() int) func() uint64 {
	if fn == nil {
		return nil
	}
	return func() uint64 { return uint64(max(fn(), 0)) }
}

func writeMetric(w http.ResponseWriter, name, kind, help string, v uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %d\n", name, v)
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)

func escapeLabelValue(v string) string { return labelEscaper.Replace(v) }
