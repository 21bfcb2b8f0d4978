package selection

import (
	"fmt"
	"time"

	"github.com/stacklok/frame-sync/internal/config"
)

// Period returns the opaque period marker for t.
// Unknown kinds fall back to ISO weeks.
func Period(kind string, t time.Time) string {
	switch kind {
	case config.PeriodDay:
		return t.Format("2006-01-02")
	case config.PeriodMonth:
		return t.Format("2006-01")
	default:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	}
}
