// Package display reduces telemetry series for rendering.
package display

// DefaultBudget is the number of points a chart renders comfortably.
const DefaultBudget = 50

// Downsample returns at most budget elements of series, keeping every
// factor-th element starting with the first. The last element is not
// guaranteed to survive. A series already within budget is returned
// unchanged; the input is never modified.
func Downsample[T any](series []T, budget int) []T {
	if len(series) == 0 {
		return series
	}

	if budget <= 0 {
		return []T{}
	}

	if len(series) <= budget {
		return series
	}

	factor := (len(series) + budget - 1) / budget
	out := make([]T, 0, (len(series)+factor-1)/factor)

	for i := 0; i < len(series); i += factor {
		out = append(out, series[i])
	}

	return out
}
