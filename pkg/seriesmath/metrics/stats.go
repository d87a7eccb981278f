package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Stats counts evaluation outcomes. All methods are safe for concurrent use.
// Stats is a prometheus.Collector of its counters.
type Stats struct {
	panels       prometheus.Counter
	skipped      prometheus.Counter
	series       prometheus.Counter
	points       prometheus.Counter
	nullPoints   prometheus.Counter
	divideByZero prometheus.Counter
	failures     prometheus.Counter
	startTime    time.Time
}

func NewStats() *Stats {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	return &Stats{
		panels:       counter("panels_total", "Panels evaluated."),
		skipped:      counter("panels_skipped_total", "Panels passed through without series data."),
		series:       counter("series_total", "Math series evaluated."),
		points:       counter("points_total", "Result points produced by math series."),
		nullPoints:   counter("null_points_total", "Result points that evaluated to null."),
		divideByZero: counter("divide_by_zero_total", "Points nulled by a division by zero."),
		failures:     counter("failures_total", "Math series that failed with an expression error."),
		startTime:    time.Now(),
	}
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Panels       int64     `json:"panels"`
	Skipped      int64     `json:"skipped"`
	Series       int64     `json:"series"`
	Points       int64     `json:"points"`
	NullPoints   int64     `json:"null_points"`
	DivideByZero int64     `json:"divide_by_zero"`
	Failures     int64     `json:"failures"`
	Uptime       float64   `json:"uptime_seconds"`
	Timestamp    time.Time `json:"timestamp"`
}

func (s *Stats) AddPanel()           { s.panels.Inc() }
func (s *Stats) AddSkipped()         { s.skipped.Inc() }
func (s *Stats) AddSeries()          { s.series.Inc() }
func (s *Stats) AddPoints(n int)     { s.points.Add(float64(n)) }
func (s *Stats) AddNullPoints(n int) { s.nullPoints.Add(float64(n)) }
func (s *Stats) AddDivideByZero()    { s.divideByZero.Inc() }
func (s *Stats) AddFailure()         { s.failures.Inc() }

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Panels:       value(s.panels),
		Skipped:      value(s.skipped),
		Series:       value(s.series),
		Points:       value(s.points),
		NullPoints:   value(s.nullPoints),
		DivideByZero: value(s.divideByZero),
		Failures:     value(s.failures),
		Uptime:       time.Since(s.startTime).Seconds(),
		Timestamp:    time.Now(),
	}
}

func (s *Stats) counters() []prometheus.Counter {
	return []prometheus.Counter{s.panels, s.skipped, s.series, s.points, s.nullPoints, s.divideByZero, s.failures}
}

func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range s.counters() {
		c.Describe(ch)
	}
}

func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	for _, c := range s.counters() {
		c.Collect(ch)
	}
}

func value(c prometheus.Counter) int64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}
