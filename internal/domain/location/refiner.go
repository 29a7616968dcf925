package location

import (
	"context"
	"strings"
	"sync"
	"time"

	"storefront/internal/core/apperror"
	"storefront/pkg/logger"
)

// Geocoder performs forward and reverse lookups. No retry contract is implied.
type Geocoder interface {
	Forward(ctx context.Context, address string) (Coordinates, error)
	Reverse(ctx context.Context, coords Coordinates) (string, error)
}

// Listener is called with the freshly resolved context after a background
// refinement has been applied.
type Listener func(ctx context.Context, c Context)

// Refiner applies user location input immediately and refines it with
// geocoding in the background.
//
// Every lookup takes a token from a monotonic counter. Only the response for
// the latest token may be applied; anything older is discarded.
type Refiner struct {
	resolver *Resolver
	geocoder Geocoder
	log      *logger.Logger
	timeout  time.Duration

	mu        sync.Mutex
	token     uint64
	memo      map[string]Coordinates // lower-cased address -> coordinates
	listeners []Listener

	wg sync.WaitGroup
}

// NewRefiner creates a refiner. timeout bounds each geocoding call.
func NewRefiner(resolver *Resolver, geocoder Geocoder, timeout time.Duration, log *logger.Logger) *Refiner {
	if log == nil {
		log = logger.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Refiner{
		resolver: resolver,
		geocoder: geocoder,
		log:      log.WithComponent("location.refiner"),
		timeout:  timeout,
		memo:     make(map[string]Coordinates),
	}
}

// Subscribe registers a listener for refined contexts.
func (r *Refiner) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// EditAddress records a typed address as the manual context right away,
// reusing coordinates already known for the session, then geocodes it.
func (r *Refiner) EditAddress(ctx context.Context, address string) (Context, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Context{}, apperror.NewValidation("address is required")
	}
	base := Context{}.WithAddress(address)

	r.mu.Lock()
	defer r.mu.Unlock()

	token := r.nextToken()

	if coords, ok := r.memo[memoKey(address)]; ok {
		return r.resolver.SetManual(ctx, base.WithCoordinates(coords))
	}

	initial := base
	if coords, ok := r.resolver.KnownCoordinates(ctx); ok {
		initial = base.WithCoordinates(coords)
	}
	applied, err := r.resolver.SetManual(ctx, initial)
	if err != nil {
		return Context{}, err
	}

	r.spawn(ctx, func(lookupCtx context.Context) {
		coords, err := r.geocoder.Forward(lookupCtx, address)
		r.apply(ctx, token, "geocode.forward", err, func() (Context, bool) {
			r.memo[memoKey(address)] = coords
			return base.WithCoordinates(coords), true
		})
	})
	return applied, nil
}

// UseCoordinates records device coordinates as the manual context right away
// (address unknown), then reverse geocodes them.
func (r *Refiner) UseCoordinates(ctx context.Context, coords Coordinates) (Context, error) {
	if err := coords.Validate(); err != nil {
		return Context{}, err
	}
	base := Context{}.WithCoordinates(coords)

	r.mu.Lock()
	defer r.mu.Unlock()

	token := r.nextToken()
	applied, err := r.resolver.SetManual(ctx, base)
	if err != nil {
		return Context{}, err
	}

	r.spawn(ctx, func(lookupCtx context.Context) {
		address, err := r.geocoder.Reverse(lookupCtx, coords)
		r.apply(ctx, token, "geocode.reverse", err, func() (Context, bool) {
			address = strings.TrimSpace(address)
			if address == "" {
				return Context{}, false
			}
			r.memo[memoKey(address)] = coords
			return base.WithAddress(address), true
		})
	})
	return applied, nil
}

// Set records a complete manual context as given, with no lookup, and
// invalidates every outstanding lookup so it cannot be overwritten.
func (r *Refiner) Set(ctx context.Context, c Context) (Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextToken()
	return r.resolver.SetManual(ctx, c)
}

// Wait blocks until background lookups have finished.
func (r *Refiner) Wait() {
	r.wg.Wait()
}

func (r *Refiner) nextToken() uint64 {
	r.token++
	return r.token
}

func (r *Refiner) spawn(ctx context.Context, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		fn(lookupCtx)
	}()
}

// apply installs a lookup result if token is still the latest. build runs
// under the lock and returns the refined context.
func (r *Refiner) apply(ctx context.Context, token uint64, op string, lookupErr error, build func() (Context, bool)) {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	if token != r.token {
		latest := r.token
		r.mu.Unlock()
		r.log.WithContext(ctx).Debugw("discarding geocode response",
			"error", apperror.NewStaleResponse(op, token, latest))
		return
	}
	if lookupErr != nil {
		r.mu.Unlock()
		// The context applied up front stays in place.
		r.log.WithContext(ctx).Warnw("geocode lookup failed", "operation", op, "error", lookupErr)
		return
	}
	refined, ok := build()
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, err := r.resolver.SetManual(ctx, refined); err != nil {
		r.mu.Unlock()
		r.log.WithContext(ctx).Warnw("failed to apply refined location", "operation", op, "error", err)
		return
	}
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	resolved := r.resolver.Resolve(ctx)
	for _, l := range listeners {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.WithContext(ctx).Errorw("location listener panic recovered", "panic", p)
				}
			}()
			l(ctx, resolved)
		}()
	}
}

func memoKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
