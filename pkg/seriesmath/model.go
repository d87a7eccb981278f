package seriesmath

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Point is one [timestamp, value] pair. A nil Value is a null point. Tuple
// elements after the value, such as band bounds, are kept in Extra.
type Point struct {
	Timestamp int64
	Value     *float64

	Extra []json.RawMessage
}

func NewPoint(timestamp int64, value float64) Point {
	return Point{Timestamp: timestamp, Value: &value}
}

func NullPoint(timestamp int64) Point {
	return Point{Timestamp: timestamp}
}

func (p Point) IsNull() bool { return p.Value == nil }

func (p Point) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteString(strconv.FormatInt(p.Timestamp, 10))
	buf.WriteByte(',')
	if p.Value == nil {
		buf.WriteString("null")
	} else {
		v, err := json.Marshal(*p.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	for _, e := range p.Extra {
		buf.WriteByte(',')
		buf.Write(e)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("data point: %w", err)
	}
	if len(tuple) < 2 {
		return fmt.Errorf("data point: expected [timestamp, value], got %d elements", len(tuple))
	}

	var ts json.Number
	if err := json.Unmarshal(tuple[0], &ts); err != nil {
		return fmt.Errorf("data point timestamp: %w", err)
	}
	if n, err := ts.Int64(); err == nil {
		p.Timestamp = n
	} else if f, err := ts.Float64(); err == nil {
		p.Timestamp = int64(f)
	} else {
		return fmt.Errorf("data point timestamp %q: %w", ts, err)
	}

	p.Extra = nil
	if len(tuple) > 2 {
		p.Extra = tuple[2:]
	}

	p.Value = nil
	if isNull(tuple[1]) {
		return nil
	}
	var v float64
	if err := json.Unmarshal(tuple[1], &v); err != nil {
		return fmt.Errorf("data point value: %w", err)
	}
	p.Value = &v
	return nil
}

// SeriesMeta carries row metadata produced by the data fetcher. Only the
// bucket size is interpreted; other keys are kept in Extra.
type SeriesMeta struct {
	BucketSize float64

	Extra map[string]json.RawMessage
}

func (m SeriesMeta) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+1)
	for k, v := range m.Extra {
		out[k] = v
	}
	size, err := json.Marshal(m.BucketSize)
	if err != nil {
		return nil, err
	}
	out["bucketSize"] = size
	return json.Marshal(out)
}

// UnmarshalJSON accepts the bucket size as a number or a numeric string.
func (m *SeriesMeta) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return fmt.Errorf("meta: expected an object, got %s", data)
	}
	m.BucketSize = gjson.GetBytes(data, "bucketSize").Float()

	extra, err := extraFields(data, []string{"bucketSize"})
	if err != nil {
		return err
	}
	m.Extra = extra
	return nil
}

// Series is one row of a panel's series array. Component rows of a math
// series use the id "<seriesId>:<metricId>".
//
// A row decoded from JSON keeps its encoding in Raw and is written back
// unchanged; clear Raw after modifying such a row. Other rows are encoded
// from their fields, with Extra merged in. Decoration is only set on rows
// computed from a math series; decoration keys of decoded rows stay in Extra.
type Series struct {
	ID    string      `json:"id"`
	Label string      `json:"label,omitempty"`
	Color string      `json:"color,omitempty"`
	Data  []Point     `json:"data"`
	Meta  *SeriesMeta `json:"meta,omitempty"`
	*Decoration

	Extra map[string]json.RawMessage `json:"-"`
	Raw   json.RawMessage            `json:"-"`
}

type seriesFields Series

// seriesInput is the decoded subset of a row.
type seriesInput struct {
	ID    string      `json:"id"`
	Label string      `json:"label"`
	Color string      `json:"color"`
	Data  []Point     `json:"data"`
	Meta  *SeriesMeta `json:"meta"`
}

var seriesKeys = []string{"id", "label", "color", "data", "meta"}

func (s Series) MarshalJSON() ([]byte, error) {
	if s.Raw != nil {
		return s.Raw, nil
	}
	data, err := json.Marshal(seriesFields(s))
	if err != nil || len(s.Extra) == 0 {
		return data, err
	}
	return mergeExtra(data, s.Extra)
}

func (s *Series) UnmarshalJSON(data []byte) error {
	var in seriesInput
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	extra, err := extraFields(data, seriesKeys)
	if err != nil {
		return err
	}
	*s = Series{
		ID:    in.ID,
		Label: in.Label,
		Color: in.Color,
		Data:  in.Data,
		Meta:  in.Meta,
		Extra: extra,
		Raw:   append(json.RawMessage(nil), data...),
	}
	return nil
}

// PanelData is one panel's entry in a Response. A nil Series means the entry
// carried no series array.
type PanelData struct {
	Series []Series

	Extra map[string]json.RawMessage
}

func (p PanelData) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.Extra)+1)
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.Series != nil {
		series, err := json.Marshal(p.Series)
		if err != nil {
			return nil, err
		}
		out["series"] = series
	}
	return json.Marshal(out)
}

func (p *PanelData) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	p.Series = nil
	if raw, ok := fields["series"]; ok && !isNull(raw) {
		series := []Series{}
		if err := json.Unmarshal(raw, &series); err != nil {
			return fmt.Errorf("series: %w", err)
		}
		p.Series = series
	}
	delete(fields, "series")
	p.Extra = nil
	if len(fields) > 0 {
		p.Extra = fields
	}
	return nil
}

// Response maps panel ids to their fetched series.
type Response map[string]*PanelData

// Panel is the caller-side configuration of one panel.
type Panel struct {
	ID     string         `json:"id"`
	Series []SeriesConfig `json:"series"`
}

// SeriesConfig defines one output series of a panel. The rendering hints are
// only used to derive the Decoration of math series.
type SeriesConfig struct {
	ID        string   `json:"id"`
	Label     string   `json:"label,omitempty"`
	Color     string   `json:"color,omitempty"`
	ChartType string   `json:"chart_type,omitempty"`
	LineWidth *Number  `json:"line_width,omitempty"`
	Fill      *Number  `json:"fill,omitempty"`
	PointSize *Number  `json:"point_size,omitempty"`
	Stacked   any      `json:"stacked,omitempty"`
	Steps     bool     `json:"steps,omitempty"`
	Metrics   []Metric `json:"metrics"`
}

// MathMetric returns the terminal metric when it is of type "math".
func (s SeriesConfig) MathMetric() (Metric, bool) {
	if len(s.Metrics) == 0 {
		return Metric{}, false
	}
	last := s.Metrics[len(s.Metrics)-1]
	return last, last.Type == MetricTypeMath
}

// MetricTypeMath marks the terminal metric of a math series.
const MetricTypeMath = "math"

type Metric struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Field     string     `json:"field,omitempty"`
	Script    string     `json:"script,omitempty"`
	Variables []Variable `json:"variables,omitempty"`
}

// Variable binds the expression name params.<Name> to the metric whose id is
// Field, or a prefix of Field.
type Variable struct {
	Name  string `json:"name"`
	Field string `json:"field"`
}

// Number is a numeric configuration value that may arrive as a JSON number or
// a numeric string.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", s, err)
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

func (n *Number) Float64() *float64 {
	if n == nil {
		return nil
	}
	f := float64(*n)
	return &f
}

func isNull(data json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}

func extraFields(data []byte, known []string) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(fields, k)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

func mergeExtra(data []byte, extra map[string]json.RawMessage) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	return json.Marshal(fields)
}
