package seriesmath

import (
	"github.com/chosenoffset/seriesmath/pkg/seriesmath/sandbox"
)

// Reserved scope entries. They shadow user variables of the same name.
const (
	ScopeIndex     = "_index"
	ScopeTimestamp = "_timestamp"
	ScopeInterval  = "_interval"
	ScopeAll       = "_all"
)

// Window is the whole series behind one variable, exposed to expressions as
// params._all.<name>.values and params._all.<name>.timestamps.
type Window struct {
	Values     []*float64
	Timestamps []int64
}

func NewWindow(points []Point) Window {
	w := Window{
		Values:     make([]*float64, len(points)),
		Timestamps: make([]int64, len(points)),
	}
	for i, p := range points {
		w.Values[i] = p.Value
		w.Timestamps[i] = p.Timestamp
	}
	return w
}

type Windows map[string]Window

// Env converts the windows into the engine's representation. Null values
// become nil entries.
func (ws Windows) Env() map[string]any {
	env := make(map[string]any, len(ws))
	for name, w := range ws {
		values := make([]any, len(w.Values))
		for i, v := range w.Values {
			if v != nil {
				values[i] = *v
			}
		}
		timestamps := make([]any, len(w.Timestamps))
		for i, ts := range w.Timestamps {
			timestamps[i] = int(ts)
		}
		env[name] = map[string]any{
			"values":     values,
			"timestamps": timestamps,
		}
	}
	return env
}

// Scope is the evaluation scope of a single point.
type Scope struct {
	Vars      map[string]float64
	Index     int
	Timestamp int64
	Interval  float64 // Bucket width in milliseconds
	All       Windows

	allEnv map[string]any
}

// Env binds the scope into the engine environment under params.
func (s *Scope) Env() map[string]any {
	if s.allEnv == nil {
		s.allEnv = s.All.Env()
	}

	params := make(map[string]any, len(s.Vars)+4)
	for name, v := range s.Vars {
		params[name] = v
	}
	params[ScopeIndex] = s.Index
	params[ScopeTimestamp] = int(s.Timestamp)
	params[ScopeInterval] = s.Interval
	params[ScopeAll] = s.allEnv

	return map[string]any{sandbox.ScopeKey: params}
}
