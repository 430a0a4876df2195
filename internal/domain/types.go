// Package domain defines the core value types shared across allocbot: daily
// bars, price series, and the transactions a backtest produces.
package domain

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Side is the direction of a simulated order.
type Side string

const (
	OrderSideBuy  Side = "buy"
	OrderSideSell Side = "sell"
)

// Bar is a single daily OHLCV observation for a symbol.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// PricePoint is one (date, price) observation.
type PricePoint struct {
	Date  time.Time `json:"date"`
	Price float64   `json:"price"`
}

// PriceSeries is a date-ascending sequence of daily closing prices for one
// symbol. Dates are strictly increasing; a series is not modified once built.
type PriceSeries struct {
	Symbol string       `json:"symbol"`
	Points []PricePoint `json:"points"`
}

// Transaction records a simulated order on a day where the target weight
// changed.
type Transaction struct {
	Date   time.Time `json:"date"`
	Side   Side      `json:"order"`
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Value  float64   `json:"value"`
	Fee    float64   `json:"fee"`
	Label  string    `json:"label"`
}

// NewPriceSeries sorts points by date and validates them. Duplicate dates and
// non-finite or non-positive prices are rejected.
func NewPriceSeries(symbol string, points []PricePoint) (PriceSeries, error) {
	sorted := make([]PricePoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	for i, p := range sorted {
		if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Price <= 0 {
			return PriceSeries{}, fmt.Errorf("%s: invalid price %v on %s", symbol, p.Price, p.Date.Format("2006-01-02"))
		}
		if i > 0 && !sorted[i-1].Date.Before(p.Date) {
			return PriceSeries{}, fmt.Errorf("%s: duplicate date %s", symbol, p.Date.Format("2006-01-02"))
		}
	}
	return PriceSeries{Symbol: symbol, Points: sorted}, nil
}

// SeriesFromBars builds a close-price series from daily bars of one symbol.
// Bars with an unusable close are skipped.
func SeriesFromBars(symbol string, bars []Bar) (PriceSeries, error) {
	points := make([]PricePoint, 0, len(bars))
	for _, b := range bars {
		if math.IsNaN(b.Close) || b.Close <= 0 {
			continue
		}
		points = append(points, PricePoint{Date: TruncateDay(b.Timestamp), Price: b.Close})
	}
	return NewPriceSeries(symbol, points)
}

// Len returns the number of observations.
func (s PriceSeries) Len() int { return len(s.Points) }

// Empty reports whether the series has no observations.
func (s PriceSeries) Empty() bool { return len(s.Points) == 0 }

// CountBefore returns how many observations fall strictly before t.
func (s PriceSeries) CountBefore(t time.Time) int {
	return sort.Search(len(s.Points), func(i int) bool {
		return !s.Points[i].Date.Before(t)
	})
}

// CountAtOrBefore returns how many observations fall at or before t.
func (s PriceSeries) CountAtOrBefore(t time.Time) int {
	return sort.Search(len(s.Points), func(i int) bool {
		return s.Points[i].Date.After(t)
	})
}

// Between returns the observations with start <= date < end. A zero end
// means no upper bound.
func (s PriceSeries) Between(start, end time.Time) []PricePoint {
	lo := s.CountBefore(start)
	hi := len(s.Points)
	if !end.IsZero() {
		hi = s.CountBefore(end)
	}
	if lo >= hi {
		return nil
	}
	return s.Points[lo:hi]
}

// First returns the earliest observation date, or the zero time.
func (s PriceSeries) First() time.Time {
	if len(s.Points) == 0 {
		return time.Time{}
	}
	return s.Points[0].Date
}

// Last returns the latest observation date, or the zero time.
func (s PriceSeries) Last() time.Time {
	if len(s.Points) == 0 {
		return time.Time{}
	}
	return s.Points[len(s.Points)-1].Date
}

// TruncateDay drops the time-of-day, keeping the calendar date in t's own
// location, and returns it as UTC midnight.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
