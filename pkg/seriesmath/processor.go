package seriesmath

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/chosenoffset/seriesmath/pkg/seriesmath/events"
	"github.com/chosenoffset/seriesmath/pkg/seriesmath/metrics"
	"github.com/chosenoffset/seriesmath/pkg/seriesmath/sandbox"
)

// DefaultLabel is used for math series configured without a label.
const DefaultLabel = "Math"

// Limits bounds the work done for one panel.
type Limits struct {
	MaxScriptLength     int           // Maximum script length in bytes
	MaxScriptComplexity int           // Maximum syntax tree nodes per script
	MaxEvaluationTime   time.Duration // Wall-clock bound per panel in EvaluatePanels
	MaxConcurrentPanels int           // Panels evaluated at once by EvaluatePanels
}

func DefaultLimits() *Limits {
	return &Limits{
		MaxScriptLength:     4096,
		MaxScriptComplexity: 500,
		MaxEvaluationTime:   5 * time.Second,
		MaxConcurrentPanels: 8,
	}
}

// Processor evaluates the math series of panels. It holds no per-call state
// and is safe for concurrent use.
type Processor struct {
	limits *Limits
	logger *slog.Logger
	events *events.Registry
	stats  *metrics.Stats
}

type Option func(*Processor)

func WithLimits(limits *Limits) Option {
	return func(p *Processor) { p.limits = limits }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithEvents dispatches an event to registry for every evaluated, failed or
// skipped series.
func WithEvents(registry *events.Registry) Option {
	return func(p *Processor) { p.events = registry }
}

func WithStats(stats *metrics.Stats) Option {
	return func(p *Processor) { p.stats = stats }
}

func NewProcessor(opts ...Option) *Processor {
	p := &Processor{
		limits: DefaultLimits(),
		logger: slog.Default(),
		stats:  metrics.NewStats(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) Limits() *Limits { return p.limits }

func (p *Processor) Stats() *metrics.Stats { return p.stats }

var defaultProcessor = NewProcessor()

// EvaluateMathExpressions replaces the component rows of every math series of
// panel with the series computed from its script. Rows that do not belong to
// a math series are kept, after the math rows, in their original order.
//
// The response is returned unchanged when it has no entry for the panel or
// the entry has no series. Null inputs, division by zero and non-finite
// results yield null points; any other expression error is returned.
func EvaluateMathExpressions(resp Response, panel Panel) (Response, error) {
	return defaultProcessor.Evaluate(context.Background(), resp, panel)
}

// EvaluateMathExpressionsWithContext is EvaluateMathExpressions with
// cancellation checked between points.
func EvaluateMathExpressionsWithContext(ctx context.Context, resp Response, panel Panel) (Response, error) {
	return defaultProcessor.Evaluate(ctx, resp, panel)
}

// Evaluate is EvaluateMathExpressionsWithContext on p.
func (p *Processor) Evaluate(ctx context.Context, resp Response, panel Panel) (Response, error) {
	data, ok := resp[panel.ID]
	if !ok || data == nil || data.Series == nil {
		p.stats.AddSkipped()
		p.dispatch(events.NewEvent(events.PanelSkipped, panel.ID, "", "no series data"))
		return resp, nil
	}
	p.stats.AddPanel()

	var mathSeries []SeriesConfig
	for _, s := range panel.Series {
		if _, ok := s.MathMetric(); ok {
			mathSeries = append(mathSeries, s)
		}
	}
	if len(mathSeries) == 0 {
		return resp, nil
	}

	consumed := make([]bool, len(data.Series))
	results := make([]Series, 0, len(mathSeries)+len(data.Series))

	for _, s := range mathSeries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("panel %s: %w", panel.ID, err)
		}

		row, err := p.evaluateSeries(ctx, s, data.Series, consumed)
		if err != nil {
			p.stats.AddFailure()
			p.dispatch(events.NewEvent(events.SeriesFailed, panel.ID, s.ID, err.Error()))
			return nil, fmt.Errorf("math series %s: %w", s.ID, err)
		}

		nulls := 0
		for _, pt := range row.Data {
			if pt.IsNull() {
				nulls++
			}
		}
		p.stats.AddSeries()
		p.stats.AddPoints(len(row.Data))
		p.stats.AddNullPoints(nulls)

		ev := events.NewEvent(events.SeriesEvaluated, panel.ID, s.ID, "")
		ev.Points, ev.NullPoints = len(row.Data), nulls
		p.dispatch(ev)

		results = append(results, row)
	}

	for i, row := range data.Series {
		if !consumed[i] {
			results = append(results, row)
		}
	}

	out := make(Response, len(resp))
	for id, entry := range resp {
		out[id] = entry
	}
	out[panel.ID] = &PanelData{Series: results, Extra: data.Extra}
	return out, nil
}

// evaluateSeries computes the result row of one math series and marks its
// component rows in consumed.
func (p *Processor) evaluateSeries(ctx context.Context, s SeriesConfig, rows []Series, consumed []bool) (Series, error) {
	metric, _ := s.MathMetric()

	label := s.Label
	if label == "" {
		label = DefaultLabel
	}
	result := Series{
		ID:         s.ID,
		Label:      label,
		Color:      s.Color,
		Data:       []Point{},
		Decoration: NewDecoration(s),
	}

	prefix := s.ID + ":"
	var components []Series
	byID := make(map[string]Series)
	for i, row := range rows {
		if !strings.HasPrefix(row.ID, prefix) {
			continue
		}
		consumed[i] = true
		components = append(components, row)
		if _, ok := byID[row.ID]; !ok {
			byID[row.ID] = row
		}
	}

	if len(components) == 0 || len(metric.Variables) == 0 {
		return result, nil
	}

	split := make(map[string][]Point, len(metric.Variables))
	for _, v := range metric.Variables {
		if m, ok := resolveMetric(s.Metrics, v.Field); ok {
			if row, ok := byID[prefix+m.ID]; ok {
				split[v.Name] = row.Data
			}
		}
	}

	all := make(Windows, len(split))
	lookup := make(map[string]map[int64]*float64, len(split))
	for name, points := range split {
		all[name] = NewWindow(points)
		byTimestamp := make(map[int64]*float64, len(points))
		for _, pt := range points {
			if _, seen := byTimestamp[pt.Timestamp]; !seen {
				byTimestamp[pt.Timestamp] = pt.Value
			}
		}
		lookup[name] = byTimestamp
	}
	allEnv := all.Env()

	var bucketSize float64
	if meta := components[0].Meta; meta != nil {
		bucketSize = meta.BucketSize
	}
	interval := bucketSize * 1000

	timestamps := split[metric.Variables[0].Name]
	result.Data = make([]Point, 0, len(timestamps))

	var program *sandbox.Program
	for index, tp := range timestamps {
		if err := ctx.Err(); err != nil {
			return Series{}, err
		}

		vars, ok := bindVariables(metric.Variables, lookup, tp.Timestamp)
		if !ok {
			result.Data = append(result.Data, NullPoint(tp.Timestamp))
			continue
		}

		// Compiled on the first non-null point so that a series of nulls
		// never reports a script error.
		if program == nil {
			var err error
			program, err = sandbox.Compile(metric.Script, sandbox.Limits{
				MaxLength: p.limits.MaxScriptLength,
				MaxNodes:  p.limits.MaxScriptComplexity,
			})
			if err != nil {
				return Series{}, err
			}
		}

		scope := Scope{
			Vars:      vars,
			Index:     index,
			Timestamp: tp.Timestamp,
			Interval:  interval,
			All:       all,
			allEnv:    allEnv,
		}
		value, err := program.Run(scope.Env())
		if err != nil {
			if sandbox.IsDivideByZero(err) {
				p.stats.AddDivideByZero()
				result.Data = append(result.Data, NullPoint(tp.Timestamp))
				continue
			}
			return Series{}, fmt.Errorf("at %d: %w", tp.Timestamp, err)
		}

		result.Data = append(result.Data, Point{Timestamp: tp.Timestamp, Value: normalize(value)})
	}

	return result, nil
}

// resolveMetric finds the metric a variable field refers to. An exact id
// match wins; otherwise the longest id that prefixes field is used.
func resolveMetric(ms []Metric, field string) (Metric, bool) {
	var best Metric
	found := false
	for _, m := range ms {
		if m.ID == "" {
			continue
		}
		if m.ID == field {
			return m, true
		}
		if strings.HasPrefix(field, m.ID) && (!found || len(m.ID) > len(best.ID)) {
			best, found = m, true
		}
	}
	return best, found
}

// bindVariables collects the value of every variable at timestamp. It
// reports false if any value is missing or null.
func bindVariables(vars []Variable, lookup map[string]map[int64]*float64, timestamp int64) (map[string]float64, bool) {
	bound := make(map[string]float64, len(vars))
	for _, v := range vars {
		value := lookup[v.Name][timestamp]
		if value == nil {
			return nil, false
		}
		bound[v.Name] = *value
	}
	return bound, true
}

// normalize converts an engine result into a point value. Lists are
// flattened and their last scalar used; non-numeric and non-finite results
// become null.
func normalize(result any) *float64 {
	if list, ok := result.([]any); ok {
		last, ok := lastScalar(list)
		if !ok {
			return nil
		}
		result = last
	}

	f, ok := sandbox.Number(result)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func lastScalar(list []any) (any, bool) {
	for i := len(list) - 1; i >= 0; i-- {
		switch v := list[i].(type) {
		case []any:
			if s, ok := lastScalar(v); ok {
				return s, true
			}
		case []float64:
			if len(v) > 0 {
				return v[len(v)-1], true
			}
		case []int:
			if len(v) > 0 {
				return v[len(v)-1], true
			}
		default:
			return v, true
		}
	}
	return nil, false
}

func (p *Processor) dispatch(event events.Event) {
	if p.events == nil {
		return
	}
	if err := p.events.Dispatch(event); err != nil {
		p.logger.Warn("event dispatch failed", slog.String("event", string(event.Type)), slog.Any("error", err))
	}
}
