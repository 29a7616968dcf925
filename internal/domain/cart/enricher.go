package cart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"storefront/internal/domain/location"
	"storefront/pkg/logger"
)

var tracer = otel.Tracer("storefront/cart")

// Enrichment is the price state of one product for one location context.
type Enrichment struct {
	Status  PriceStatus
	Product *ProductSnapshot
	Err     error
}

type priceKey struct {
	productID int64
	location  string
}

type priceEntry struct {
	status    PriceStatus
	product   ProductSnapshot
	err       error
	fetchedAt time.Time
}

// Enricher fetches and caches ProductSnapshots per (product, location)
// pair. Identical in-flight fetches are collapsed into one call.
//
// Each product carries a generation; Invalidate bumps it, and a response
// fetched under an older generation is dropped on arrival.
type Enricher struct {
	api      PricingAPI
	location LocationSource
	cfg      Config
	log      *logger.Logger

	group singleflight.Group

	mu      sync.Mutex
	entries map[priceKey]*priceEntry
	gen     map[int64]uint64
}

// NewEnricher creates an enricher that prices products for the context
// returned by loc at fetch time.
func NewEnricher(api PricingAPI, loc LocationSource, cfg Config, log *logger.Logger) *Enricher {
	if log == nil {
		log = logger.Default()
	}
	return &Enricher{
		api:      api,
		location: loc,
		cfg:      cfg.withDefaults(),
		log:      log.WithComponent("cart.enricher"),
		entries:  make(map[priceKey]*priceEntry),
		gen:      make(map[int64]uint64),
	}
}

// Location returns the context prices are currently fetched for.
func (e *Enricher) Location(ctx context.Context) location.Context {
	return e.location.Resolve(ctx)
}

// Lookup returns the cached enrichment for productID under the current
// location context. It never blocks: a miss starts a background fetch and
// reports loading.
func (e *Enricher) Lookup(ctx context.Context, productID int64) Enrichment {
	return e.lookup(ctx, productID, e.location.Resolve(ctx))
}

func (e *Enricher) lookup(ctx context.Context, productID int64, loc location.Context) Enrichment {
	key := priceKey{productID: productID, location: loc.PricingKey()}

	e.mu.Lock()
	entry, ok := e.entries[key]
	if ok && !e.expired(entry) {
		res := entry.enrichment()
		e.mu.Unlock()
		return res
	}
	e.entries[key] = &priceEntry{status: PriceLoading}
	gen := e.gen[productID]
	e.mu.Unlock()

	go e.fetch(context.WithoutCancel(ctx), productID, loc, gen)
	return Enrichment{Status: PriceLoading}
}

// Prefetch fetches every product in productIDs that has no usable entry,
// in parallel, and waits for them or for ctx. Per-product failures are
// recorded in the cache, not returned.
func (e *Enricher) Prefetch(ctx context.Context, productIDs []int64) {
	loc := e.location.Resolve(ctx)
	pricing := loc.PricingKey()

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)

	seen := make(map[int64]struct{}, len(productIDs))
	for _, id := range productIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		e.mu.Lock()
		entry, ok := e.entries[priceKey{productID: id, location: pricing}]
		if ok && entry.status != PriceLoading && !e.expired(entry) {
			e.mu.Unlock()
			continue
		}
		if !ok || e.expired(entry) {
			e.entries[priceKey{productID: id, location: pricing}] = &priceEntry{status: PriceLoading}
		}
		gen := e.gen[id]
		e.mu.Unlock()

		g.Go(func() error {
			e.fetch(context.WithoutCancel(ctx), id, loc, gen)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Invalidate forgets every cached price for productID. Fetches already in
// flight for it are discarded when they complete.
func (e *Enricher) Invalidate(productID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen[productID]++
	for k := range e.entries {
		if k.productID == productID {
			delete(e.entries, k)
		}
	}
}

func (e *Enricher) fetch(ctx context.Context, productID int64, loc location.Context, gen uint64) {
	pricing := loc.PricingKey()
	flight := fmt.Sprintf("%d|%d|%s", productID, gen, pricing)

	v, err, shared := e.group.Do(flight, func() (any, error) {
		ctx, span := tracer.Start(ctx, "cart.enrich",
			trace.WithAttributes(
				attribute.Int64("product.id", productID),
				attribute.String("location.pricing_key", pricing),
			))
		defer span.End()

		ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()

		product, err := e.api.GetProduct(ctx, productID, loc)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "get product failed")
			return nil, err
		}
		return product, nil
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gen[productID] != gen {
		e.log.WithContext(ctx).Debugw("discarding stale price", "product_id", productID, "generation", gen)
		return
	}

	key := priceKey{productID: productID, location: pricing}
	entry := &priceEntry{fetchedAt: e.cfg.Clock.Now()}
	if err != nil {
		entry.status = PriceError
		entry.err = err
		if !shared {
			e.log.WithContext(ctx).Warnw("price lookup failed", "product_id", productID, "pricing_key", pricing, "error", err)
		}
	} else {
		entry.status = PriceReady
		entry.product = v.(ProductSnapshot)
	}
	e.entries[key] = entry
}

// expired reports whether a failed entry is old enough to retry.
func (e *Enricher) expired(entry *priceEntry) bool {
	return entry.status == PriceError && e.cfg.Clock.Now().Sub(entry.fetchedAt) >= e.cfg.ErrorTTL
}

func (p *priceEntry) enrichment() Enrichment {
	switch p.status {
	case PriceReady:
		product := p.product
		return Enrichment{Status: PriceReady, Product: &product}
	case PriceError:
		return Enrichment{Status: PriceError, Err: p.err}
	default:
		return Enrichment{Status: PriceLoading}
	}
}
