package marketdata

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

type CoverageStatus string

const (
	CoverageNone    CoverageStatus = "none"
	CoveragePartial CoverageStatus = "partial"
	CoverageFull    CoverageStatus = "full"
)

// DateRange is an inclusive range of calendar dates.
type DateRange struct {
	First time.Time
	Last  time.Time
}

func NewDateRange(first, last time.Time) DateRange {
	return DateRange{First: NormalizeDate(first), Last: NormalizeDate(last)}
}

func (r DateRange) Contains(other DateRange) bool {
	return !other.First.Before(r.First) && !other.Last.After(r.Last)
}

// Union returns the smallest range containing both r and other.
func (r DateRange) Union(other DateRange) DateRange {
	union := r
	if other.First.Before(union.First) {
		union.First = other.First
	}
	if other.Last.After(union.Last) {
		union.Last = other.Last
	}
	return union
}

func (r DateRange) String() string {
	return fmt.Sprintf("[%s, %s]", r.First.Format(dateLayout), r.Last.Format(dateLayout))
}

type CoverageReport struct {
	Status CoverageStatus
	// Cached is nil when nothing is cached for the symbol in this scope.
	Cached *DateRange
}

func newCoverageReport(cached *DateRange, requested DateRange) *CoverageReport {
	switch {
	case cached == nil:
		return &CoverageReport{Status: CoverageNone}
	case cached.Contains(requested):
		return &CoverageReport{Status: CoverageFull, Cached: cached}
	default:
		return &CoverageReport{Status: CoveragePartial, Cached: cached}
	}
}

// Missing returns the ranges that must be fetched so that, once merged, the cached range
// covers [start, end]. Gaps always touch the cached range, so a request that lies wholly
// outside it also fetches the dates in between and the result stays contiguous.
func (c *CoverageReport) Missing(start, end time.Time) []DateRange {
	requested := NewDateRange(start, end)
	if c.Status == CoverageNone || c.Cached == nil {
		return []DateRange{requested}
	}
	var gaps []DateRange
	if requested.First.Before(c.Cached.First) {
		gaps = append(gaps, DateRange{First: requested.First, Last: c.Cached.First.Add(-day)})
	}
	if requested.Last.After(c.Cached.Last) {
		gaps = append(gaps, DateRange{First: c.Cached.Last.Add(day), Last: requested.Last})
	}
	return gaps
}
