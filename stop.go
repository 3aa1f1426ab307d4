package dagpipe

// StopMarker is the placeholder a halted pipeline run returns for every
// output whose producer had not completed when a stop condition fired.
// Markers are comparable, so two outputs cut off by the same task carry
// equal markers.
type StopMarker struct {
	// Task is the name of the task whose stop condition halted the run.
	Task string
}

func (m StopMarker) String() string {
	return "STOPPED AT " + m.Task
}

// IsStopped reports whether any of the results is a stop marker, which is
// the quick way to tell a halted run from a completed one.
func IsStopped(results []any) bool {
	for _, r := range results {
		if _, ok := r.(StopMarker); ok {
			return true
		}
	}
	return false
}
