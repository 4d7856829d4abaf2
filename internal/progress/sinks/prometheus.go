package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/siteaudit/internal/progress"
)

// PrometheusSink turns progress events into run and fetch collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec
	runPages      prometheus.Histogram

	fetches       *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	active *activeRuns
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siteaudit_runs_started_total",
			Help: "Crawl runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_runs_completed_total",
			Help: "Crawl runs completed, partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "siteaudit_runs_active",
			Help: "Crawl runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siteaudit_run_duration_seconds",
			Help:    "Wall time per crawl run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		runPages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "siteaudit_run_pages",
			Help:    "Pages reported per successful run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_fetch_events_total",
			Help: "Fetch completions partitioned by site and outcome.",
		}, []string{"site", "outcome"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siteaudit_fetch_duration_seconds",
			Help:    "Fetch latency partitioned by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"site", "status_class"}),
		active: &activeRuns{ids: make(map[[16]byte]struct{})},
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsCompleted, s.runsActive, s.runDuration, s.runPages,
		s.fetches, s.fetchBytes, s.fetchDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.active.add(evt.JobID) {
				s.runsActive.Inc()
			}
		case progress.StageRunDone:
			s.finish(evt, "success")
			s.runPages.Observe(float64(evt.Total))
		case progress.StageRunError:
			s.finish(evt, "error")
		case progress.StageFetchDone:
			site := siteLabel(evt.Site)
			class := string(evt.StatusClass)
			s.fetches.WithLabelValues(site, class).Inc()
			if evt.Bytes > 0 {
				s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.fetchDuration.WithLabelValues(site, class).Observe(evt.Dur.Seconds())
			}
		case progress.StageFetchFailed:
			s.fetches.WithLabelValues(siteLabel(evt.Site), "failed").Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.active.remove(evt.JobID) {
		s.runsActive.Dec()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func siteLabel(site string) string {
	if site == "" {
		return "unknown"
	}
	return site
}

type activeRuns struct {
	mu  sync.Mutex
	ids map[[16]byte]struct{}
}

func (a *activeRuns) add(id [16]byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.ids[id]; ok {
		return false
	}
	a.ids[id] = struct{}{}
	return true
}

func (a *activeRuns) remove(id [16]byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.ids[id]; !ok {
		return false
	}
	delete(a.ids, id)
	return true
}
