package selection

import "github.com/stacklok/frame-sync/internal/state"

// Weight returns the selection weight of an item for the given run period.
// A nil record is an item that has never been seen, and so never shown.
func Weight(rec *state.ItemRecord, runPeriod string, maxShowCount int) int {
	timesShown := 0
	if rec != nil {
		timesShown = rec.TimesShown
	}

	base := max(1, maxShowCount-timesShown)
	if rec.NeverShown() || rec.LastShownPeriod != runPeriod {
		return base * 2
	}
	return base
}
