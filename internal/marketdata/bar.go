package marketdata

import (
	"sort"
	"time"
)

// Bar is one daily OHLCV observation. Date is always UTC midnight.
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// NormalizeDate drops the time of day, keeping the calendar date of t in its own location.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MergeBars unions two bar sets by calendar date. Where both contain a date the
// incoming bar wins. The result is sorted by date and has one bar per date.
func MergeBars(existing, incoming []Bar) []Bar {
	byDate := make(map[time.Time]Bar, len(existing)+len(incoming))
	for _, bar := range existing {
		bar.Date = NormalizeDate(bar.Date)
		byDate[bar.Date] = bar
	}
	for _, bar := range incoming {
		bar.Date = NormalizeDate(bar.Date)
		byDate[bar.Date] = bar
	}

	merged := make([]Bar, 0, len(byDate))
	for _, bar := range byDate {
		merged = append(merged, bar)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Date.Before(merged[j].Date) })
	return merged
}

// Span returns the first and last dates of sorted bars.
func Span(bars []Bar) (DateRange, bool) {
	if len(bars) == 0 {
		return DateRange{}, false
	}
	return DateRange{First: NormalizeDate(bars[0].Date), Last: NormalizeDate(bars[len(bars)-1].Date)}, true
}
