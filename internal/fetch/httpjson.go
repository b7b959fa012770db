package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pricewatch/internal/model"
)

// HTTPJSONConfig describes where the built-in adapter finds the price data
// inside a source's JSON payload. DOM/selector extraction for HTML retailers
// lives in dedicated adapter plugins, not here.
type HTTPJSONConfig struct {
	Source            string
	PriceField        string // default "price"
	CurrencyField     string // default "currency"
	AvailabilityField string // default "availability"
	UserAgent         string
	Timeout           time.Duration // default 10s
}

// HTTPJSONAdapter fetches a URL and decodes a flat JSON payload into a Quote.
type HTTPJSONAdapter struct {
	cfg  HTTPJSONConfig
	http *http.Client
}

func NewHTTPJSON(cfg HTTPJSONConfig) *HTTPJSONAdapter {
	if cfg.PriceField == "" {
		cfg.PriceField = "price"
	}
	if cfg.CurrencyField == "" {
		cfg.CurrencyField = "currency"
	}
	if cfg.AvailabilityField == "" {
		cfg.AvailabilityField = "availability"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPJSONAdapter{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

func (a *HTTPJSONAdapter) Source() string { return a.cfg.Source }

func (a *HTTPJSONAdapter) FetchQuote(ctx context.Context, url string) (model.Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if a.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", a.cfg.UserAgent)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return model.Quote{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return model.Quote{}, fmt.Errorf("%s: unexpected status %d", a.cfg.Source, resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return model.Quote{}, fmt.Errorf("%s: decode payload: %w", a.cfg.Source, err)
	}

	price, ok := numberField(payload, a.cfg.PriceField)
	if !ok {
		return model.Quote{}, fmt.Errorf("%s: payload has no %q field", a.cfg.Source, a.cfg.PriceField)
	}
	if price < 0 {
		return model.Quote{}, fmt.Errorf("%s: negative price %v", a.cfg.Source, price)
	}

	q := model.Quote{
		Source:       a.cfg.Source,
		Price:        price,
		Currency:     stringField(payload, a.cfg.CurrencyField),
		Availability: availability(payload, a.cfg.AvailabilityField),
		ObservedAt:   time.Now().UTC(),
	}
	return q, nil
}

func numberField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func availability(m map[string]any, key string) model.Availability {
	v, ok := m[key]
	if !ok {
		return model.AvailabilityUnknown
	}
	switch x := v.(type) {
	case bool:
		if x {
			return model.AvailabilityInStock
		}
		return model.AvailabilityOutOfStock
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "in_stock", "instock", "in stock", "available", "true", "yes":
			return model.AvailabilityInStock
		case "out_of_stock", "outofstock", "out of stock", "unavailable", "false", "no":
			return model.AvailabilityOutOfStock
		}
	}
	return model.AvailabilityUnknown
}
