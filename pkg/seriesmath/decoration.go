package seriesmath

// Decoration holds the display properties attached to a math result row so
// that it renders like a natively computed series. Unset numeric hints are
// encoded as null.
type Decoration struct {
	SeriesID string       `json:"seriesId"`
	Stack    any          `json:"stack"`
	Lines    *LinesStyle  `json:"lines"`
	Points   *PointsStyle `json:"points"`
	Bars     *BarsStyle   `json:"bars"`
}

type LinesStyle struct {
	Show      bool     `json:"show"`
	Fill      *float64 `json:"fill"`
	LineWidth *float64 `json:"lineWidth"`
	Steps     bool     `json:"steps"`
}

type PointsStyle struct {
	Show      bool     `json:"show"`
	Radius    float64  `json:"radius"`
	LineWidth *float64 `json:"lineWidth"`
}

type BarsStyle struct {
	Show      bool     `json:"show"`
	Fill      *float64 `json:"fill"`
	LineWidth *float64 `json:"lineWidth"`
}

const (
	chartTypeLine = "line"
	chartTypeBar  = "bar"

	pointRadius           = 1
	hiddenPointsLineWidth = 5
)

// NewDecoration derives the display properties of a series from its
// rendering hints. The point size falls back to the line width.
func NewDecoration(s SeriesConfig) *Decoration {
	lineWidth := s.LineWidth.Float64()
	fill := s.Fill.Float64()

	pointSize := lineWidth
	if s.PointSize != nil {
		pointSize = s.PointSize.Float64()
	}

	showPoints := s.ChartType == chartTypeLine && !isZero(pointSize)
	pointsWidth := pointSize
	if !showPoints {
		w := float64(hiddenPointsLineWidth)
		pointsWidth = &w
	}

	return &Decoration{
		SeriesID: s.ID,
		Stack:    s.Stacked,
		Lines: &LinesStyle{
			Show:      s.ChartType == chartTypeLine && !isZero(lineWidth),
			Fill:      fill,
			LineWidth: lineWidth,
			Steps:     s.Steps,
		},
		Points: &PointsStyle{
			Show:      showPoints,
			Radius:    pointRadius,
			LineWidth: pointsWidth,
		},
		Bars: &BarsStyle{
			Show:      s.ChartType == chartTypeBar,
			Fill:      copyFloat(fill),
			LineWidth: copyFloat(lineWidth),
		},
	}
}

func isZero(f *float64) bool { return f != nil && *f == 0 }

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
