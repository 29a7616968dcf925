package location

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"storefront/internal/core/apperror"
	"storefront/internal/core/kv"
	"storefront/pkg/logger"
)

// Storage keys. Manual lives in the durable store; everything else in the
// session store.
const (
	KeyManual           = "location.manual"
	KeyDetected         = "location.detected"
	KeyDetectedRecorded = "location.detected_recorded"
	KeyCoordinates      = "location.coords"
)

// URLState is the navigable URL of the current page. Routing owns it; the
// resolver only reads it and rewrites the location parameters in SetManual.
type URLState interface {
	Query() url.Values
	SetLocation(q url.Values)
}

// manualRecord is the persisted form of the manual layer.
type manualRecord struct {
	Context     Context   `json:"context"`
	UserEntered bool      `json:"user_entered"`
	SavedAt     time.Time `json:"saved_at"`
}

// Resolver computes the effective location context.
//
// Each layer has a single writer: the explicit layer is derived from the URL,
// the manual and detected layers are written only here.
type Resolver struct {
	url     URLState
	durable kv.Store
	session kv.Store
	log     *logger.Logger
	now     func() time.Time

	// serializes layer writes; reads take no lock
	mu sync.Mutex
}

// NewResolver creates a resolver over the given URL and stores.
func NewResolver(u URLState, durable, session kv.Store, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Default()
	}
	return &Resolver{
		url:     u,
		durable: durable,
		session: session,
		log:     log.WithComponent("location"),
		now:     time.Now,
	}
}

// Resolve returns the effective context. It never fails: a layer that cannot
// be read is treated as absent and the next one is consulted.
func (r *Resolver) Resolve(ctx context.Context) Context {
	if explicit, ok := FromQuery(r.url.Query()); ok {
		// An explicit URL context invalidates detection for the rest of the
		// session so a later context-free URL falls back to none.
		if err := r.session.Delete(ctx, KeyDetected); err != nil {
			r.log.WithContext(ctx).Warnw("failed to clear detected location", "error", err)
		}
		return explicit
	}

	if manual, ok := r.loadManual(ctx); ok {
		return manual
	}

	if detected, ok := r.loadContext(ctx, r.session, KeyDetected); ok {
		return detected.WithSource(SourceDetected)
	}

	return None()
}

// SetManual persists c as a user-entered context, writes it into the URL so
// the next resolution sees it as explicit, and drops any detected context.
func (r *Resolver) SetManual(ctx context.Context, c Context) (Context, error) {
	c = c.Normalize()
	if c.IsZero() {
		return Context{}, apperror.NewValidation("location must carry an address, a city or coordinates")
	}
	if coords, ok := c.Coordinates(); ok {
		if err := coords.Validate(); err != nil {
			return Context{}, err
		}
	}
	c = c.WithSource(SourceManual)

	r.mu.Lock()
	defer r.mu.Unlock()

	payload, err := json.Marshal(manualRecord{Context: c, UserEntered: true, SavedAt: r.now().UTC()})
	if err != nil {
		return Context{}, fmt.Errorf("marshal manual location: %w", err)
	}
	if err := r.durable.Set(ctx, KeyManual, payload); err != nil {
		return Context{}, apperror.NewStorage(err).WithDetail("key", KeyManual)
	}
	if err := r.session.Delete(ctx, KeyDetected); err != nil {
		return Context{}, apperror.NewStorage(err).WithDetail("key", KeyDetected)
	}
	if coords, ok := c.Coordinates(); ok {
		r.retainCoordinates(ctx, coords)
	}
	r.url.SetLocation(c.Query())

	r.log.WithContext(ctx).Debugw("manual location set", "pricing_key", c.PricingKey())
	return c, nil
}

// ClearIfNoURLParams runs on every navigation. A URL without a usable
// location deletes the manual layer so the shopper falls back to detection
// instead of a stale manual value. Unparseable parameters count as absent,
// the same way Resolve reads them.
func (r *Resolver) ClearIfNoURLParams(ctx context.Context) error {
	if _, ok := FromQuery(r.url.Query()); ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.durable.Delete(ctx, KeyManual); err != nil {
		return apperror.NewStorage(err).WithDetail("key", KeyManual)
	}
	return nil
}

// RecordDetected stores an IP-inferred context for the session. Only the
// first report of a session is kept; it reports whether c was recorded.
func (r *Resolver) RecordDetected(ctx context.Context, c Context) (bool, error) {
	c = c.Normalize()
	if c.IsZero() {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, seen, err := r.session.Get(ctx, KeyDetectedRecorded)
	if err != nil {
		return false, apperror.NewStorage(err).WithDetail("key", KeyDetectedRecorded)
	}
	if seen {
		return false, nil
	}

	payload, err := json.Marshal(c.WithSource(SourceDetected))
	if err != nil {
		return false, fmt.Errorf("marshal detected location: %w", err)
	}
	if err := r.session.Set(ctx, KeyDetected, payload); err != nil {
		return false, apperror.NewStorage(err).WithDetail("key", KeyDetected)
	}
	if err := r.session.Set(ctx, KeyDetectedRecorded, []byte("1")); err != nil {
		return false, apperror.NewStorage(err).WithDetail("key", KeyDetectedRecorded)
	}
	if coords, ok := c.Coordinates(); ok {
		r.retainCoordinates(ctx, coords)
	}
	return true, nil
}

// KnownCoordinates returns the coordinates retained for this session.
func (r *Resolver) KnownCoordinates(ctx context.Context) (Coordinates, bool) {
	raw, ok, err := r.session.Get(ctx, KeyCoordinates)
	if err != nil || !ok {
		return Coordinates{}, false
	}
	var coords Coordinates
	if err := json.Unmarshal(raw, &coords); err != nil {
		return Coordinates{}, false
	}
	return coords, true
}

// RetainCoordinates remembers coords for later address edits in the session.
func (r *Resolver) RetainCoordinates(ctx context.Context, coords Coordinates) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retainCoordinates(ctx, coords)
}

func (r *Resolver) retainCoordinates(ctx context.Context, coords Coordinates) {
	payload, err := json.Marshal(coords)
	if err != nil {
		return
	}
	if err := r.session.Set(ctx, KeyCoordinates, payload); err != nil {
		r.log.WithContext(ctx).Warnw("failed to retain coordinates", "error", err)
	}
}

func (r *Resolver) loadManual(ctx context.Context) (Context, bool) {
	raw, ok, err := r.durable.Get(ctx, KeyManual)
	if err != nil {
		r.log.WithContext(ctx).Warnw("manual location unreadable", "error", err)
		return Context{}, false
	}
	if !ok {
		return Context{}, false
	}
	var rec manualRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		r.log.WithContext(ctx).Warnw("manual location corrupt", "error", err)
		return Context{}, false
	}
	if !rec.UserEntered {
		return Context{}, false
	}
	c := rec.Context.Normalize()
	if c.IsZero() {
		return Context{}, false
	}
	return c.WithSource(SourceManual), true
}

func (r *Resolver) loadContext(ctx context.Context, store kv.Store, key string) (Context, bool) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		r.log.WithContext(ctx).Warnw("location layer unreadable", "key", key, "error", err)
		return Context{}, false
	}
	if !ok {
		return Context{}, false
	}
	var c Context
	if err := json.Unmarshal(raw, &c); err != nil {
		r.log.WithContext(ctx).Warnw("location layer corrupt", "key", key, "error", err)
		return Context{}, false
	}
	c = c.Normalize()
	if c.IsZero() {
		return Context{}, false
	}
	return c, true
}
