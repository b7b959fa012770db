package fetch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"pricewatch/internal/model"
)

var ErrUnknownSource = errors.New("unknown source")

// Adapter fetches one price quote from one external source.
//
// Implementations are per-source plugins; the coordinator treats them as an
// opaque capability and never inspects how a quote was extracted. Adapters
// must honor ctx cancellation and deadlines.
type Adapter interface {
	// Source returns the source id this adapter serves.
	Source() string
	// FetchQuote retrieves the current price observation for url.
	FetchQuote(ctx context.Context, url string) (model.Quote, error)
}

// Registry is a lookup table of adapters keyed by source id.
// It is safe for concurrent use; registration normally happens at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register adds adapters to the registry. A later registration for the same
// source id replaces the earlier one.
func (r *Registry) Register(adapters ...Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range adapters {
		if a == nil {
			continue
		}
		id := strings.TrimSpace(a.Source())
		if id == "" {
			continue
		}
		r.adapters[id] = a
	}
}

// Lookup returns the adapter for a source id.
func (r *Registry) Lookup(source string) (Adapter, error) {
	r.mu.RLock()
	a := r.adapters[strings.TrimSpace(source)]
	r.mu.RUnlock()
	if a == nil {
		return nil, ErrUnknownSource
	}
	return a, nil
}

// Sources lists registered source ids in stable order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
