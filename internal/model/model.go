package model

import (
	"time"
)

// Availability describes whether a source had the product in stock
// at observation time.
type Availability string

const (
	AvailabilityUnknown    Availability = "unknown"
	AvailabilityInStock    Availability = "in_stock"
	AvailabilityOutOfStock Availability = "out_of_stock"
)

// Quote is one source's price observation for a product at a point in time.
// Quotes are immutable once created; only the fetch coordinator produces them.
type Quote struct {
	Source       string       `json:"source" db:"source"`
	ProductID    string       `json:"product_id" db:"product_id"`
	Price        float64      `json:"price" db:"price"`
	Currency     string       `json:"currency" db:"currency"`
	Availability Availability `json:"availability" db:"availability"`
	ObservedAt   time.Time    `json:"observed_at" db:"observed_at"`
}

// Summary is the derived aggregate over the quotes of one refresh pass.
type Summary struct {
	MinPrice float64 `json:"min_price"`
	AvgPrice float64 `json:"avg_price"`
	MaxPrice float64 `json:"max_price"`
	Sources  int     `json:"sources"`
}

// ComparisonResult aggregates all quotes collected in one refresh pass for
// one product. An empty Quotes list means "checked, nothing found" and is
// not an error.
type ComparisonResult struct {
	ProductID string    `json:"product_id"`
	Quotes    []Quote   `json:"quotes"`
	Summary   Summary   `json:"summary"`
	CheckedAt time.Time `json:"checked_at"`
}

// NewComparisonResult builds a result and computes its summary.
func NewComparisonResult(productID string, quotes []Quote, at time.Time) ComparisonResult {
	r := ComparisonResult{ProductID: productID, Quotes: quotes, CheckedAt: at}
	if len(quotes) == 0 {
		return r
	}
	min, max, sum := quotes[0].Price, quotes[0].Price, 0.0
	for _, q := range quotes {
		if q.Price < min {
			min = q.Price
		}
		if q.Price > max {
			max = q.Price
		}
		sum += q.Price
	}
	r.Summary = Summary{
		MinPrice: min,
		AvgPrice: sum / float64(len(quotes)),
		MaxPrice: max,
		Sources:  len(quotes),
	}
	return r
}

// Empty reports whether the pass found no quotes at all.
func (r ComparisonResult) Empty() bool { return len(r.Quotes) == 0 }

// MinQuote returns the cheapest quote of the pass.
func (r ComparisonResult) MinQuote() (Quote, bool) {
	if len(r.Quotes) == 0 {
		return Quote{}, false
	}
	best := r.Quotes[0]
	for _, q := range r.Quotes[1:] {
		if q.Price < best.Price {
			best = q
		}
	}
	return best, true
}

// InStock reports whether any quote of the pass observed the product in stock.
func (r ComparisonResult) InStock() bool {
	for _, q := range r.Quotes {
		if q.Availability == AvailabilityInStock {
			return true
		}
	}
	return false
}

// HistoryEntry is one persisted ComparisonResult. Entries for a product are
// append-only and strictly ordered by CheckedAt; the log is FIFO-truncated
// past the configured retention cap.
type HistoryEntry struct {
	ID        int64            `json:"id"`
	ProductID string           `json:"product_id"`
	Result    ComparisonResult `json:"result"`
	CheckedAt time.Time        `json:"checked_at"`
}

// Product is a catalog entry: baseline price plus the per-source URLs the
// coordinator should fetch from. Priority products are included in the
// high-frequency sweep.
type Product struct {
	ID            string            `json:"id" db:"id"`
	Name          string            `json:"name" db:"name"`
	BaselinePrice float64           `json:"baseline_price" db:"baseline_price"`
	Currency      string            `json:"currency" db:"currency"`
	Priority      bool              `json:"priority" db:"priority"`
	SourceURLs    map[string]string `json:"source_urls"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}
