package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/supportline/supportline/internal/routing"
)

// StatsProvider exposes live routing counts.
type StatsProvider interface {
	Stats() routing.Stats
}

// OutcomeCounter returns call history counts grouped by outcome.
type OutcomeCounter interface {
	CountByOutcome(ctx context.Context) (map[string]int64, error)
}

var outcomes = []routing.Outcome{
	routing.OutcomeCompleted,
	routing.OutcomeAbandoned,
	routing.OutcomeFailed,
}

// Collector is a prometheus.Collector that gathers support line metrics at
// scrape time.
type Collector struct {
	stats     StatsProvider
	history   OutcomeCounter
	startTime time.Time

	// Metric descriptors.
	callsDesc      *prometheus.Desc
	roomsDesc      *prometheus.Desc
	sessionsDesc   *prometheus.Desc
	callsTotalDesc *prometheus.Desc
	uptimeDesc     *prometheus.Desc
}

// NewCollector creates a new metrics collector. Either provider may be nil
// if unavailable.
func NewCollector(stats StatsProvider, history OutcomeCounter, startTime time.Time) *Collector {
	return &Collector{
		stats:     stats,
		history:   history,
		startTime: startTime,

		callsDesc: prometheus.NewDesc(
			"supportline_calls",
			"Number of tracked support calls by state",
			[]string{"state"}, nil,
		),
		roomsDesc: prometheus.NewDesc(
			"supportline_private_rooms",
			"Number of registered private rooms",
			nil, nil,
		),
		sessionsDesc: prometheus.NewDesc(
			"supportline_voice_sessions",
			"Number of open waiting room voice sessions",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"supportline_calls_total",
			"Total number of ended calls (from call history)",
			[]string{"outcome"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"supportline_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callsDesc
	ch <- c.roomsDesc
	ch <- c.sessionsDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.stats != nil {
		st := c.stats.Stats()
		for state, n := range map[routing.CallState]int{
			routing.StateWaiting: st.Waiting,
			routing.StateClaimed: st.Claimed,
			routing.StateInRoom:  st.InRoom,
		} {
			ch <- prometheus.MustNewConstMetric(
				c.callsDesc, prometheus.GaugeValue, float64(n), string(state),
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.roomsDesc, prometheus.GaugeValue, float64(st.Rooms),
		)
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue, float64(st.Sessions),
		)
	}

	// Call volume counters by outcome.
	if c.history != nil {
		counts, err := c.history.CountByOutcome(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by outcome", "error", err)
		} else {
			for _, o := range outcomes {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[string(o)]), string(o),
				)
			}
		}
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
