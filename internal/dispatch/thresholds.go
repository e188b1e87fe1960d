package dispatch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ThresholdAction is what the dispatcher does when a run's cumulative
// processed count crosses a danger threshold.
type ThresholdAction string

const (
	// ActionCooldown forces a GC pass, recycles pooled provider resources,
	// and sleeps before continuing.
	ActionCooldown ThresholdAction = "cooldown"

	// ActionSegment ends the run with a resumable cursor. Used for counts
	// past which a single run has been observed to destabilize.
	ActionSegment ThresholdAction = "segment"
)

// Threshold is one (count, action) pair in the danger table.
type Threshold struct {
	Count  int
	Action ThresholdAction
}

// Thresholds is an ordered danger table of cumulative-send counts. The counts
// come from operational observation, so the table is configured, not
// hard-coded: retuning it must not require a redeploy.
type Thresholds []Threshold

// DefaultThresholds is the table used when none is configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		{Count: 500, Action: ActionCooldown},
		{Count: 1500, Action: ActionCooldown},
		{Count: 3000, Action: ActionSegment},
	}
}

// ParseThresholds parses a comma-separated "count:action" list, e.g.
// "500:cooldown,3000:segment". The result is sorted ascending by count.
// An empty input yields an empty (disabled) table.
func ParseThresholds(raw string) (Thresholds, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var table Thresholds
	for _, part := range strings.Split(raw, ",") {
		count, action, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("dispatch: threshold %q is not count:action", part)
		}

		n, err := strconv.Atoi(count)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("dispatch: threshold count %q must be a positive integer", count)
		}

		a := ThresholdAction(action)
		if a != ActionCooldown && a != ActionSegment {
			return nil, fmt.Errorf("dispatch: unknown threshold action %q", action)
		}

		table = append(table, Threshold{Count: n, Action: a})
	}

	sort.Slice(table, func(i, j int) bool { return table[i].Count < table[j].Count })
	return table, nil
}

// Crossed returns the most severe threshold whose count lies in (prev, cur],
// or nil when none was crossed. Segment outranks cooldown when one step
// crosses both.
func (t Thresholds) Crossed(prev, cur int) *Threshold {
	var hit *Threshold
	for i := range t {
		if t[i].Count > prev && t[i].Count <= cur {
			if hit == nil || t[i].Action == ActionSegment {
				hit = &t[i]
			}
		}
	}
	return hit
}

// proximityWindow is how close (in sends) a run must be to the next
// threshold before inter-batch sleep starts scaling up.
const proximityWindow = 500

// Proximity reports how close cur is to the next uncrossed threshold, as a
// fraction in [0, 1]. 0 means far from any threshold; 1 means at one.
func (t Thresholds) Proximity(cur int) float64 {
	for i := range t {
		if t[i].Count <= cur {
			continue
		}
		gap := t[i].Count - cur
		if gap >= proximityWindow {
			return 0
		}
		return 1 - float64(gap)/float64(proximityWindow)
	}
	return 0
}
