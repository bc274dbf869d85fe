// Package dom provides heuristic DOM and page-state analysis over decoded
// traces. Element lookups are bounded text searches over snapshot HTML, not a
// DOM engine: the snapshots are serialized captures and the questions asked
// of them (is this thing there, is something covering it) tolerate
// approximation.
package dom

import (
	"time"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

// ReferenceTime anchors snapshot selection for a failure: the trace end,
// falling back to the latest recorded action timestamp, falling back to the
// wall clock when the trace is empty of both.
func ReferenceTime(trace *schemas.TraceData) float64 {
	if trace == nil {
		return float64(time.Now().UnixMilli())
	}
	if trace.EndTime > 0 {
		return trace.EndTime
	}
	latest := 0.0
	for _, act := range trace.Actions {
		if act.EndTime > latest {
			latest = act.EndTime
		}
		if act.StartTime > latest {
			latest = act.StartTime
		}
	}
	if latest > 0 {
		return latest
	}
	return float64(time.Now().UnixMilli())
}

// NearestSnapshot returns the HTML-bearing snapshot closest to atTime without
// being after it. When every snapshot is newer than atTime the most recent
// one overall is returned, since a stale capture still beats none. Nil only
// when the trace holds no snapshot with HTML.
func NearestSnapshot(trace *schemas.TraceData, atTime float64) *schemas.DOMSnapshot {
	if trace == nil {
		return nil
	}

	var best *schemas.DOMSnapshot
	for i := range trace.Snapshots {
		snap := &trace.Snapshots[i]
		if snap.HTML == "" {
			continue
		}
		if snap.Timestamp > atTime {
			continue
		}
		if best == nil || snap.Timestamp > best.Timestamp {
			best = snap
		}
	}
	if best != nil {
		return best
	}

	// Nothing at or before atTime: fall back to the globally newest capture.
	for i := range trace.Snapshots {
		snap := &trace.Snapshots[i]
		if snap.HTML == "" {
			continue
		}
		if best == nil || snap.Timestamp > best.Timestamp {
			best = snap
		}
	}
	return best
}
