// Package seriesmath evaluates math series over time-series panel data.
//
// A panel response carries one row per computed metric. A series whose last
// metric is of type "math" is not computed by the data source; instead its
// component rows, identified as "<seriesId>:<metricId>", are fed point by
// point into a sandboxed expression and replaced by a single derived row:
//
//	resp, err := seriesmath.EvaluateMathExpressions(resp, panel)
//	if err != nil {
//		// A sandbox violation or expression error in one of the panel's
//		// math series.
//	}
//
// Expressions read their inputs from params. Every declared variable is
// bound by name, alongside reserved entries:
//
//	params._index      position of the point in the series
//	params._timestamp  timestamp of the point in milliseconds
//	params._interval   bucket width in milliseconds
//	params._all.<name> {values, timestamps} of a variable's whole series
//
// A point is null when any variable is null at its timestamp, when the
// expression divides by zero or when the result is not a finite number.
//
// Several panels can be evaluated at once with Processor.EvaluatePanels.
package seriesmath
