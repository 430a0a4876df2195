package gather

import (
	"context"
	"time"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one gathering pass. It returns early when ctx is
	// cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a half-open [Start, End) time range for data
// fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// LastYears returns the n years up to and including today (UTC).
func LastYears(n int) DateRange {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	return DateRange{Start: end.AddDate(-n, 0, 0), End: end.AddDate(0, 0, 1)}
}
