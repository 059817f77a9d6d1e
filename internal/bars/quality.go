package bars

import (
	"time"

	"broker-bridge/internal/types"
)

// gapTolerance is how many intervals may pass between bars before it counts as a gap.
const gapTolerance = 1.5

// Gap is a hole between two consecutive bars of one instrument.
type Gap struct {
	Symbol  string
	From    time.Time
	To      time.Time
	Missing int
}

// DetectGaps reports holes wider than 1.5 intervals in bars (one symbol,
// sorted by Ts). Gaps that span a weekend are market closures, not gaps.
func DetectGaps(bars []types.Bar, interval time.Duration) []Gap {
	if len(bars) < 2 || interval <= 0 {
		return nil
	}
	limit := time.Duration(float64(interval) * gapTolerance)

	var gaps []Gap
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Ts, bars[i].Ts
		delta := cur.Sub(prev)
		if delta <= limit || spansWeekend(prev, cur) {
			continue
		}
		gaps = append(gaps, Gap{
			Symbol:  bars[i].Symbol,
			From:    prev,
			To:      cur,
			Missing: int(delta/interval) - 1,
		})
	}
	return gaps
}

func spansWeekend(from, to time.Time) bool {
	if from.Weekday() != time.Friday && from.Weekday() != time.Saturday {
		return false
	}
	switch to.Weekday() {
	case time.Saturday, time.Sunday, time.Monday:
		return to.Sub(from) < 4*24*time.Hour
	}
	return false
}
