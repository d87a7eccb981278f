package seriesmath

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosenoffset/seriesmath/pkg/seriesmath/events"
	"github.com/chosenoffset/seriesmath/pkg/seriesmath/metrics"
	"github.com/chosenoffset/seriesmath/pkg/seriesmath/sandbox"
)

func ptr(v float64) *float64 { return &v }

func nan() float64 { return math.NaN() }

func inf() float64 { return math.Inf(1) }

func num(v float64) *Number {
	n := Number(v)
	return &n
}

func newTestPanel() Panel {
	return Panel{
		ID: "panel-1",
		Series: []SeriesConfig{
			{
				ID:        "series-1",
				Label:     "Math Series",
				Color:     "#FF0000",
				ChartType: "line",
				LineWidth: num(1),
				Fill:      num(0.5),
				PointSize: num(0),
				Stacked:   false,
				Metrics: []Metric{
					{ID: "metric-a", Type: "avg", Field: "cpu"},
					{ID: "metric-b", Type: "min", Field: "cpu"},
					{
						ID:     "math-1",
						Type:   MetricTypeMath,
						Script: "params.a / params.b",
						Variables: []Variable{
							{Name: "a", Field: "metric-a"},
							{Name: "b", Field: "metric-b"},
						},
					},
				},
			},
		},
	}
}

func componentResponse(a, b []Point, bucketSize float64) Response {
	return Response{
		"panel-1": {
			Series: []Series{
				{ID: "series-1:metric-a", Label: "Avg CPU", Data: a, Meta: &SeriesMeta{BucketSize: bucketSize}},
				{ID: "series-1:metric-b", Label: "Min CPU", Data: b, Meta: &SeriesMeta{BucketSize: bucketSize}},
			},
		},
	}
}

func setScript(panel *Panel, script string) {
	panel.Series[0].Metrics[2].Script = script
}

func TestEvaluateMathExpressions(t *testing.T) {
	t.Run("BasicArithmetic", testBasicArithmetic)
	t.Run("ResultRow", testResultRow)
	t.Run("DivisionByZero", testDivisionByZero)
	t.Run("NullPropagation", testNullPropagation)
	t.Run("SpecialVariables", testSpecialVariables)
	t.Run("MultipleSeries", testMultipleSeries)
	t.Run("MetricIDCollision", testMetricIDCollision)
	t.Run("EdgeCases", testEdgeCases)
	t.Run("NonMathPassthrough", testNonMathPassthrough)
	t.Run("ErrorsPropagate", testErrorsPropagate)
	t.Run("ResultNormalization", testResultNormalization)
}

func testBasicArithmetic(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []Point
	}{
		{"division", "params.a / params.b", []Point{NewPoint(1000, 2), NewPoint(2000, 2)}},
		{"addition", "params.a + params.b", []Point{NewPoint(1000, 150), NewPoint(2000, 300)}},
		{"subtraction", "params.a - params.b", []Point{NewPoint(1000, 50), NewPoint(2000, 100)}},
		{"multiplication", "params.a * params.b", []Point{NewPoint(1000, 5000), NewPoint(2000, 20000)}},
		{"complex", "(params.a + params.b) / 2", []Point{NewPoint(1000, 75), NewPoint(2000, 150)}},
		{"helpers", "add(params.a, multiply(params.b, 2))", []Point{NewPoint(1000, 200), NewPoint(2000, 400)}},
		{"builtins", "round(abs(params.b - params.a) / 3)", []Point{NewPoint(1000, 17), NewPoint(2000, 33)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			panel := newTestPanel()
			setScript(&panel, tt.script)
			resp := componentResponse(
				[]Point{NewPoint(1000, 100), NewPoint(2000, 200)},
				[]Point{NewPoint(1000, 50), NewPoint(2000, 100)},
				10,
			)

			result, err := EvaluateMathExpressions(resp, panel)
			require.NoError(t, err)
			require.Len(t, result["panel-1"].Series, 1)
			assert.Equal(t, tt.want, result["panel-1"].Series[0].Data)
		})
	}
}

func testResultRow(t *testing.T) {
	resp := componentResponse(
		[]Point{NewPoint(1000, 100), NewPoint(2000, 200)},
		[]Point{NewPoint(1000, 50), NewPoint(2000, 100)},
		10,
	)

	result, err := EvaluateMathExpressions(resp, newTestPanel())
	require.NoError(t, err)

	row := result["panel-1"].Series[0]
	assert.Equal(t, "series-1", row.ID)
	assert.Equal(t, "Math Series", row.Label)
	assert.Equal(t, "#FF0000", row.Color)
	assert.Nil(t, row.Meta)

	require.NotNil(t, row.Decoration)
	assert.Equal(t, "series-1", row.SeriesID)
	assert.Equal(t, false, row.Stack)
	assert.True(t, row.Lines.Show)
	assert.Equal(t, 0.5, *row.Lines.Fill)
	assert.Equal(t, 1.0, *row.Lines.LineWidth)

	// The input is left untouched.
	assert.Len(t, resp["panel-1"].Series, 2)
	assert.Equal(t, "series-1:metric-a", resp["panel-1"].Series[0].ID)
}

func testDivisionByZero(t *testing.T) {
	t.Run("FloatDivision", func(t *testing.T) {
		resp := componentResponse(
			[]Point{NewPoint(1000, 100), NewPoint(2000, 200)},
			[]Point{NewPoint(1000, 0), NewPoint(2000, 100)},
			10,
		)

		result, err := EvaluateMathExpressions(resp, newTestPanel())
		require.NoError(t, err)
		assert.Equal(t, []Point{NullPoint(1000), NewPoint(2000, 2)}, result["panel-1"].Series[0].Data)
	})

	t.Run("IntegerModulo", func(t *testing.T) {
		stats := metrics.NewStats()
		p := NewProcessor(WithStats(stats))
		panel := newTestPanel()
		setScript(&panel, "int(params.a) % int(params.b)")
		resp := componentResponse(
			[]Point{NewPoint(1000, 7), NewPoint(2000, 7)},
			[]Point{NewPoint(1000, 0), NewPoint(2000, 4)},
			10,
		)

		result, err := p.Evaluate(context.Background(), resp, panel)
		require.NoError(t, err)
		assert.Equal(t, []Point{NullPoint(1000), NewPoint(2000, 3)}, result["panel-1"].Series[0].Data)
		assert.Equal(t, int64(1), stats.Snapshot().DivideByZero)
	})
}

func testNullPropagation(t *testing.T) {
	scripts := []string{
		"params.a / params.b",
		"1",
		"params._index",
	}

	for _, script := range scripts {
		t.Run(script, func(t *testing.T) {
			panel := newTestPanel()
			setScript(&panel, script)
			resp := componentResponse(
				[]Point{NullPoint(1000), NewPoint(2000, 200)},
				[]Point{NewPoint(1000, 50), NullPoint(2000)},
				10,
			)

			result, err := EvaluateMathExpressions(resp, panel)
			require.NoError(t, err)
			assert.Equal(t, []Point{NullPoint(1000), NullPoint(2000)}, result["panel-1"].Series[0].Data)
		})
	}

	t.Run("MissingTimestamp", func(t *testing.T) {
		resp := componentResponse(
			[]Point{NewPoint(1000, 100), NewPoint(2000, 200)},
			[]Point{NewPoint(2000, 100)},
			10,
		)

		result, err := EvaluateMathExpressions(resp, newTestPanel())
		require.NoError(t, err)
		assert.Equal(t, []Point{NullPoint(1000), NewPoint(2000, 2)}, result["panel-1"].Series[0].Data)
	})

	t.Run("AllNullNeverCompiles", func(t *testing.T) {
		panel := newTestPanel()
		setScript(&panel, "params.a +")
		resp := componentResponse(
			[]Point{NullPoint(1000)},
			[]Point{NewPoint(1000, 1)},
			10,
		)

		result, err := EvaluateMathExpressions(resp, panel)
		require.NoError(t, err)
		assert.Equal(t, []Point{NullPoint(1000)}, result["panel-1"].Series[0].Data)
	})
}

func testSpecialVariables(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []Point
	}{
		{"index", "params._index", []Point{NewPoint(1000, 0), NewPoint(2000, 1)}},
		{"timestamp", "params._timestamp", []Point{NewPoint(1000, 1000), NewPoint(2000, 2000)}},
		{"interval", "params._interval / 1000", []Point{NewPoint(1000, 10), NewPoint(2000, 10)}},
		{"all values", "size(params._all.a.values)", []Point{NewPoint(1000, 2), NewPoint(2000, 2)}},
		{"all timestamps", "size(params._all.a.timestamps)", []Point{NewPoint(1000, 2), NewPoint(2000, 2)}},
		{"index in expression", "params.a + params._index", []Point{NewPoint(1000, 10), NewPoint(2000, 21)}},
		{"all values element", "params._all.b.values[0] * 2", []Point{NewPoint(1000, 10), NewPoint(2000, 10)}},
		{"last timestamp", "last(params._all.a.timestamps)", []Point{NewPoint(1000, 2000), NewPoint(2000, 2000)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			panel := newTestPanel()
			setScript(&panel, tt.script)
			resp := componentResponse(
				[]Point{NewPoint(1000, 10), NewPoint(2000, 20)},
				[]Point{NewPoint(1000, 5), NewPoint(2000, 5)},
				10,
			)

			result, err := EvaluateMathExpressions(resp, panel)
			require.NoError(t, err)
			assert.Equal(t, tt.want, result["panel-1"].Series[0].Data)
		})
	}

	t.Run("ReservedNamesShadowVariables", func(t *testing.T) {
		panel := newTestPanel()
		panel.Series[0].Metrics[2].Variables[1].Name = "_index"
		setScript(&panel, "params._index")
		resp := componentResponse(
			[]Point{NewPoint(1000, 10), NewPoint(2000, 20)},
			[]Point{NewPoint(1000, 5), NewPoint(2000, 5)},
			10,
		)

		result, err := EvaluateMathExpressions(resp, panel)
		require.NoError(t, err)
		assert.Equal(t, []Point{NewPoint(1000, 0), NewPoint(2000, 1)}, result["panel-1"].Series[0].Data)
	})

	t.Run("MissingBucketSize", func(t *testing.T) {
		panel := newTestPanel()
		setScript(&panel, "params._interval")
		resp := Response{
			"panel-1": {Series: []Series{
				{ID: "series-1:metric-a", Data: []Point{NewPoint(1000, 1)}},
				{ID: "series-1:metric-b", Data: []Point{NewPoint(1000, 1)}},
			}},
		}

		result, err := EvaluateMathExpressions(resp, panel)
		require.NoError(t, err)
		assert.Equal(t, []Point{NewPoint(1000, 0)}, result["panel-1"].Series[0].Data)
	})
}

func testMultipleSeries(t *testing.T) {
	panel := newTestPanel()
	panel.Series = append(panel.Series, SeriesConfig{
		ID:      "series-2",
		Label:   "Non-Math Series",
		Metrics: []Metric{{ID: "metric-c", Type: "avg", Field: "memory"}},
	})
	resp := Response{
		"panel-1": {
			Series: []Series{
				{ID: "series-1:metric-a", Data: []Point{NewPoint(1000, 100)}, Meta: &SeriesMeta{BucketSize: 10}},
				{ID: "series-1:metric-b", Data: []Point{NewPoint(1000, 50)}, Meta: &SeriesMeta{BucketSize: 10}},
				{ID: "series-2", Label: "Memory", Data: []Point{NewPoint(1000, 75)}},
			},
		},
	}

	result, err := EvaluateMathExpressions(resp, panel)
	require.NoError(t, err)

	series := result["panel-1"].Series
	require.Len(t, series, 2)
	assert.Equal(t, "series-1", series[0].ID)
	assert.Equal(t, "Math Series", series[0].Label)
	assert.Equal(t, "#FF0000", series[0].Color)
	assert.Equal(t, []Point{NewPoint(1000, 2)}, series[0].Data)
	assert.Equal(t, Series{ID: "series-2", Label: "Memory", Data: []Point{NewPoint(1000, 75)}}, series[1])
}

func testMetricIDCollision(t *testing.T) {
	panel := newTestPanel()
	panel.Series[0].Metrics = []Metric{
		{ID: "abc-123", Type: "avg"},
		{ID: "abc-456", Type: "max"},
		{
			ID:     "math-1",
			Type:   MetricTypeMath,
			Script: "params.a + params.b",
			Variables: []Variable{
				{Name: "a", Field: "abc-123"},
				{Name: "b", Field: "abc-456"},
			},
		},
	}
	resp := Response{
		"panel-1": {
			Series: []Series{
				{ID: "series-1:abc-123-extra", Data: []Point{NewPoint(1000, 999)}, Meta: &SeriesMeta{BucketSize: 60}},
				{ID: "series-1:abc-123", Data: []Point{NewPoint(1000, 10)}, Meta: &SeriesMeta{BucketSize: 60}},
				{ID: "series-1:abc-456", Data: []Point{NewPoint(1000, 50)}, Meta: &SeriesMeta{BucketSize: 60}},
			},
		},
	}

	result, err := EvaluateMathExpressions(resp, panel)
	require.NoError(t, err)
	require.Len(t, result["panel-1"].Series, 1)
	assert.Equal(t, []Point{NewPoint(1000, 60)}, result["panel-1"].Series[0].Data)

	t.Run("PrefixField", func(t *testing.T) {
		panel := newTestPanel()
		panel.Series[0].Metrics = []Metric{
			{ID: "m1", Type: "avg"},
			{ID: "m1-extra", Type: "avg"},
			{
				ID:        "math-1",
				Type:      MetricTypeMath,
				Script:    "params.a",
				Variables: []Variable{{Name: "a", Field: "m1-extra[95.0]"}},
			},
		}
		resp := Response{
			"panel-1": {Series: []Series{
				{ID: "series-1:m1", Data: []Point{NewPoint(1000, 1)}},
				{ID: "series-1:m1-extra", Data: []Point{NewPoint(1000, 2)}},
			}},
		}

		result, err := EvaluateMathExpressions(resp, panel)
		require.NoError(t, err)
		assert.Equal(t, []Point{NewPoint(1000, 2)}, result["panel-1"].Series[0].Data)
	})
}

func testEdgeCases(t *testing.T) {
	t.Run("MissingPanel", func(t *testing.T) {
		resp := Response{}
		result, err := EvaluateMathExpressions(resp, newTestPanel())
		require.NoError(t, err)
		assert.Equal(t, resp, result)
	})

	t.Run("MissingSeries", func(t *testing.T) {
		resp := Response{"panel-1": {}}
		result, err := EvaluateMathExpressions(resp, newTestPanel())
		require.NoError(t, err)
		assert.Equal(t, resp, result)
	})

	t.Run("NoComponentSeries", func(t *testing.T) {
		resp := Response{"panel-1": {Series: []Series{}}}
		result, err := EvaluateMathExpressions(resp, newTestPanel())
		require.NoError(t, err)

		row := result["panel-1"].Series[0]
		assert.Equal(t, "series-1", row.ID)
		assert.Equal(t, "Math Series", row.Label)
		assert.Equal(t, []Point{}, row.Data)
		assert.NotNil(t, row.Decoration)
	})

	t.Run("EmptyVariables", func(t *testing.T) {
		panel := newTestPanel()
		panel.Series[0].Metrics[2].Variables = nil
		resp := Response{"panel-1": {Series: []Series{
			{ID: "series-1:metric-a", Data: []Point{NewPoint(1000, 100)}},
		}}}

		result, err := EvaluateMathExpressions(resp, panel)
		require.NoError(t, err)
		require.Len(t, result["panel-1"].Series, 1)
		assert.Equal(t, "series-1", result["panel-1"].Series[0].ID)
		assert.Equal(t, []Point{}, result["panel-1"].Series[0].Data)
	})

	t.Run("DefaultLabel", func(t *testing.T) {
		panel := newTestPanel()
		panel.Series[0].Label = ""
		resp := componentResponse([]Point{NewPoint(1000, 100)}, []Point{NewPoint(1000, 50)}, 10)

		result, err := EvaluateMathExpressions(resp, panel)
		require.NoError(t, err)
		assert.Equal(t, DefaultLabel, result["panel-1"].Series[0].Label)
	})

	t.Run("OtherPanelsPreserved", func(t *testing.T) {
		resp := componentResponse([]Point{NewPoint(1000, 100)}, []Point{NewPoint(1000, 50)}, 10)
		other := &PanelData{Series: []Series{{ID: "x", Data: []Point{NewPoint(1, 1)}}}}
		resp["panel-2"] = other

		result, err := EvaluateMathExpressions(resp, newTestPanel())
		require.NoError(t, err)
		assert.Same(t, other, result["panel-2"])
	})
}

func testNonMathPassthrough(t *testing.T) {
	panel := Panel{
		ID: "panel-1",
		Series: []SeriesConfig{
			{ID: "series-1", Metrics: []Metric{{ID: "metric-a", Type: "avg"}}},
		},
	}
	resp := Response{"panel-1": {Series: []Series{
		{ID: "series-1", Label: "Non-Math", Data: []Point{NewPoint(1000, 100)}},
	}}}

	result, err := EvaluateMathExpressions(resp, panel)
	require.NoError(t, err)
	assert.Equal(t, []Series{{ID: "series-1", Label: "Non-Math", Data: []Point{NewPoint(1000, 100)}}}, result["panel-1"].Series)
}

func testErrorsPropagate(t *testing.T) {
	resp := func() Response {
		return componentResponse([]Point{NewPoint(1000, 100)}, []Point{NewPoint(1000, 50)}, 10)
	}

	t.Run("SyntaxError", func(t *testing.T) {
		panel := newTestPanel()
		setScript(&panel, "params.a +* params.b")
		_, err := EvaluateMathExpressions(resp(), panel)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "math series series-1")
	})

	t.Run("UnknownIdentifier", func(t *testing.T) {
		panel := newTestPanel()
		setScript(&panel, "unknown + 1")
		_, err := EvaluateMathExpressions(resp(), panel)
		require.Error(t, err)
	})

	t.Run("UndefinedProperty", func(t *testing.T) {
		panel := newTestPanel()
		setScript(&panel, "params.c * 2")
		_, err := EvaluateMathExpressions(resp(), panel)
		require.Error(t, err)

		var undefined *sandbox.UndefinedPropertyError
		require.True(t, errors.As(err, &undefined))
		assert.Equal(t, "params.c", undefined.Path)
	})

	t.Run("EnvRoot", func(t *testing.T) {
		for _, script := range []string{"$env.params.missing", "$env.params.a / params.b", `$env["params"]`, "$env?.params?.a"} {
			panel := newTestPanel()
			setScript(&panel, script)
			_, err := EvaluateMathExpressions(resp(), panel)
			require.Error(t, err, script)
			assert.ErrorIs(t, err, sandbox.ErrOperationDisabled, script)
			assert.Contains(t, err.Error(), "$env is disabled", script)
		}
	})

	t.Run("SandboxViolation", func(t *testing.T) {
		stats := metrics.NewStats()
		registry := events.NewRegistry()
		var failed []events.Event
		registry.RegisterHandler(events.SeriesFailed, events.HandlerFunc(func(e events.Event) error {
			failed = append(failed, e)
			return nil
		}))

		p := NewProcessor(WithStats(stats), WithEvents(registry))
		panel := newTestPanel()
		setScript(&panel, `evaluate("1 + 1")`)

		_, err := p.Evaluate(context.Background(), resp(), panel)
		require.Error(t, err)
		assert.ErrorIs(t, err, sandbox.ErrOperationDisabled)
		assert.Equal(t, sandbox.KindSandbox, sandbox.Kind(err))
		assert.Equal(t, int64(1), stats.Snapshot().Failures)
		require.Len(t, failed, 1)
		assert.Equal(t, "series-1", failed[0].SeriesID)
	})

	t.Run("ComplexityLimit", func(t *testing.T) {
		p := NewProcessor(WithLimits(&Limits{MaxScriptLength: 4096, MaxScriptComplexity: 10}))
		_, err := p.Evaluate(context.Background(), resp(), newTestPanel())
		require.NoError(t, err)

		panel := newTestPanel()
		setScript(&panel, "params.a + params.b + params.a + params.b")
		_, err = p.Evaluate(context.Background(), resp(), panel)
		assert.ErrorIs(t, err, sandbox.ErrLimitExceeded)
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := EvaluateMathExpressionsWithContext(ctx, resp(), newTestPanel())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func testResultNormalization(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   *float64
	}{
		{"float", 2.5, ptr(2.5)},
		{"int", 3, ptr(3)},
		{"nil", nil, nil},
		{"bool", true, nil},
		{"string", "1", nil},
		{"list last scalar", []any{1.0, 2.0, 3.0}, ptr(3)},
		{"nested list", []any{[]any{1.0}, []any{2.0, []any{}}}, ptr(2)},
		{"empty list", []any{}, nil},
		{"float slice", []any{[]float64{4, 5}}, ptr(5)},
		{"nan", nan(), nil},
		{"inf", inf(), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalize(tt.result))
		})
	}
}

func TestResolveMetric(t *testing.T) {
	ms := []Metric{
		{ID: "a"},
		{ID: "ab"},
		{ID: "abc-1"},
		{ID: ""},
	}

	m, ok := resolveMetric(ms, "ab")
	require.True(t, ok)
	assert.Equal(t, "ab", m.ID)

	m, ok = resolveMetric(ms, "abc-1[50]")
	require.True(t, ok)
	assert.Equal(t, "abc-1", m.ID)

	_, ok = resolveMetric(ms, "zzz")
	assert.False(t, ok)
}

func TestProcessorEvents(t *testing.T) {
	registry := events.NewRegistry()
	var received []events.Event
	registry.RegisterAll(events.HandlerFunc(func(e events.Event) error {
		received = append(received, e)
		return nil
	}))
	stats := metrics.NewStats()
	p := NewProcessor(WithEvents(registry), WithStats(stats))

	resp := componentResponse(
		[]Point{NewPoint(1000, 100), NullPoint(2000)},
		[]Point{NewPoint(1000, 50), NewPoint(2000, 100)},
		10,
	)
	_, err := p.Evaluate(context.Background(), resp, newTestPanel())
	require.NoError(t, err)
	_, err = p.Evaluate(context.Background(), Response{}, newTestPanel())
	require.NoError(t, err)

	require.Len(t, received, 2)
	assert.Equal(t, events.SeriesEvaluated, received[0].Type)
	assert.Equal(t, 2, received[0].Points)
	assert.Equal(t, 1, received[0].NullPoints)
	assert.Equal(t, events.PanelSkipped, received[1].Type)

	snap := stats.Snapshot()
	assert.Equal(t, int64(1), snap.Panels)
	assert.Equal(t, int64(1), snap.Skipped)
	assert.Equal(t, int64(1), snap.Series)
	assert.Equal(t, int64(2), snap.Points)
	assert.Equal(t, int64(1), snap.NullPoints)
}
