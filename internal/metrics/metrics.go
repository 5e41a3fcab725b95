// Package metrics exposes Prometheus metrics for the webphone controller.
// All values are gathered at scrape time through a custom Collector so the
// rest of the code does not push into counters directly.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/commdesk/webphone/internal/call"
	"github.com/commdesk/webphone/internal/session"
)

// SessionProvider reports the signaling session state.
type SessionProvider interface {
	Snapshot() session.Snapshot
	Reconnects() uint64
}

// CallProvider reports the current call state.
type CallProvider interface {
	Snapshot() call.Snapshot
}

// DispositionCounter counts recorded calls grouped by disposition.
type DispositionCounter interface {
	CountByDisposition(ctx context.Context) (map[call.Disposition]int, error)
}

// PrewarmProvider reports microphone prewarm state.
type PrewarmProvider interface {
	Warmed() bool
	Failures() uint64
}

// Collector implements prometheus.Collector for all webphone metrics.
type Collector struct {
	sess    SessionProvider
	calls   CallProvider
	history DispositionCounter
	prewarm PrewarmProvider

	startTime time.Time

	sessionUpDesc         *prometheus.Desc
	sessionReconnectsDesc *prometheus.Desc
	callActiveDesc        *prometheus.Desc
	callStateDesc         *prometheus.Desc
	callsTotalDesc        *prometheus.Desc
	prewarmReadyDesc      *prometheus.Desc
	prewarmFailuresDesc   *prometheus.Desc
	uptimeDesc            *prometheus.Desc
}

// NewCollector creates a Collector. Any provider may be nil; its metrics are
// simply omitted from the scrape.
func NewCollector(sess SessionProvider, calls CallProvider, history DispositionCounter, prewarm PrewarmProvider) *Collector {
	return &Collector{
		sess:      sess,
		calls:     calls,
		history:   history,
		prewarm:   prewarm,
		startTime: time.Now(),

		sessionUpDesc: prometheus.NewDesc(
			"webphone_session_up",
			"Whether the signaling session is registered (1) or not (0), labeled by status.",
			[]string{"status"}, nil,
		),
		sessionReconnectsDesc: prometheus.NewDesc(
			"webphone_session_reconnects_total",
			"Number of manual session reconnects since start.",
			nil, nil,
		),
		callActiveDesc: prometheus.NewDesc(
			"webphone_call_active",
			"Whether a call is currently established (1) or not (0).",
			nil, nil,
		),
		callStateDesc: prometheus.NewDesc(
			"webphone_call_state",
			"Current call state machine position, labeled by state.",
			[]string{"state"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"webphone_calls_total",
			"Total recorded calls by disposition.",
			[]string{"disposition"}, nil,
		),
		prewarmReadyDesc: prometheus.NewDesc(
			"webphone_mic_prewarmed",
			"Whether the microphone prewarm handshake has completed (1) or not (0).",
			nil, nil,
		),
		prewarmFailuresDesc: prometheus.NewDesc(
			"webphone_mic_prewarm_failures_total",
			"Number of failed microphone prewarm attempts.",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"webphone_uptime_seconds",
			"Seconds since the process started.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionUpDesc
	ch <- c.sessionReconnectsDesc
	ch <- c.callActiveDesc
	ch <- c.callStateDesc
	ch <- c.callsTotalDesc
	ch <- c.prewarmReadyDesc
	ch <- c.prewarmFailuresDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sess != nil {
		snap := c.sess.Snapshot()
		up := 0.0
		if snap.Status == session.StatusRegistered {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.sessionUpDesc, prometheus.GaugeValue, up, string(snap.Status),
		)
		ch <- prometheus.MustNewConstMetric(
			c.sessionReconnectsDesc, prometheus.CounterValue,
			float64(c.sess.Reconnects()),
		)
	}

	if c.calls != nil {
		snap := c.calls.Snapshot()
		active := 0.0
		if snap.State == call.StateActive || snap.State == call.StateHeld {
			active = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.callActiveDesc, prometheus.GaugeValue, active,
		)
		ch <- prometheus.MustNewConstMetric(
			c.callStateDesc, prometheus.GaugeValue, 1.0, string(snap.State),
		)
	}

	if c.history != nil {
		counts, err := c.history.CountByDisposition(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by disposition", "error", err)
		} else {
			for _, disp := range []call.Disposition{
				call.DispositionAnswered, call.DispositionCancelled,
				call.DispositionRejected, call.DispositionMissed,
				call.DispositionNoAnswer, call.DispositionFailed,
			} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[disp]), string(disp),
				)
			}
		}
	}

	if c.prewarm != nil {
		ready := 0.0
		if c.prewarm.Warmed() {
			ready = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.prewarmReadyDesc, prometheus.GaugeValue, ready,
		)
		ch <- prometheus.MustNewConstMetric(
			c.prewarmFailuresDesc, prometheus.CounterValue,
			float64(c.prewarm.Failures()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Register creates a new registry with the collector plus the standard Go
// runtime and process collectors.
func Register(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
