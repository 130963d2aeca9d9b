package engine

import "github.com/fleetconductor/conductor/model"

// Summary is the per-execution performance digest supplemented from the
// original implementation (§12): min/avg/max Branch duration plus a
// failure histogram keyed by the first line of each failed Branch's
// result_error. It has no bearing on Execution.status and is computed
// on demand, not persisted alongside the rollup.
type Summary struct {
	BranchCount    int
	MinDurationMS  int64
	AvgDurationMS  int64
	MaxDurationMS  int64
	FailureReasons map[string]int
}

// Summarize computes a Summary from a finished Execution's Branches.
func Summarize(execution *model.Execution) Summary {
	s := Summary{FailureReasons: make(map[string]int)}
	var total int64
	for _, b := range execution.Branches {
		if b.StartedAt == nil || b.CompletedAt == nil {
			continue
		}
		durationMS := b.CompletedAt.Sub(*b.StartedAt).Milliseconds()
		s.BranchCount++
		total += durationMS
		if s.BranchCount == 1 || durationMS < s.MinDurationMS {
			s.MinDurationMS = durationMS
		}
		if durationMS > s.MaxDurationMS {
			s.MaxDurationMS = durationMS
		}
		if b.Status == model.StatusFailed {
			s.FailureReasons[firstLine(b.ResultError)]++
		}
	}
	if s.BranchCount > 0 {
		s.AvgDurationMS = total / int64(s.BranchCount)
	}
	return s
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
