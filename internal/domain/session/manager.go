// Package session hosts one storefront session per shopper: the page URL,
// the location resolver with its geocoding refiner, and the cart engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"storefront/internal/core/apperror"
	appctx "storefront/internal/core/context"
	"storefront/internal/core/kv"
	"storefront/internal/domain/cart"
	"storefront/internal/domain/location"
	"storefront/internal/infrastructure/storage/memory"
	"storefront/pkg/logger"
)

// ManagerConfig holds session manager configuration.
type ManagerConfig struct {
	// IdleTimeout evicts sessions with no activity for this long.
	IdleTimeout time.Duration

	// SweepInterval is how often idle sessions are looked for.
	SweepInterval time.Duration

	// GeocodeTimeout bounds each background geocoding call.
	GeocodeTimeout time.Duration

	// FlushTimeout bounds the cart flush on eviction and shutdown.
	FlushTimeout time.Duration

	Cart cart.Config
}

// DefaultManagerConfig returns default configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		IdleTimeout:    30 * time.Minute,
		SweepInterval:  time.Minute,
		GeocodeTimeout: 5 * time.Second,
		FlushTimeout:   10 * time.Second,
		Cart:           cart.DefaultConfig(),
	}
}

// Dependencies are the collaborators shared by every session.
type Dependencies struct {
	// Durable survives restarts; each session sees it namespaced by owner.
	Durable  kv.Store
	Cart     cart.CartAPI
	Pricing  cart.PricingAPI
	Geocoder location.Geocoder
}

// Session is one shopper's live state.
type Session struct {
	ID         string
	CustomerID string

	URL      *PageURL
	Location *location.Resolver
	Refiner  *location.Refiner
	Prices   *cart.Enricher
	Cart     *cart.Engine

	lastSeen time.Time
}

// Stats describes the live sessions.
type Stats struct {
	Sessions  int `json:"sessions"`
	Anonymous int `json:"anonymous"`
}

// Manager owns the live sessions.
type Manager struct {
	deps Dependencies
	cfg  ManagerConfig
	log  *logger.Logger
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	// Lifecycle
	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
}

// NewManager creates a session manager.
func NewManager(deps Dependencies, cfg ManagerConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		deps:     deps,
		cfg:      cfg,
		log:      log.WithComponent("session"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Open returns the live session for sc, building it on first use. A new
// session starts at rawURL and loads the server cart.
func (m *Manager) Open(ctx context.Context, sc *appctx.SessionContext, rawURL string) (*Session, error) {
	if sc == nil || sc.SessionID == "" {
		return nil, apperror.NewUnauthorized("session required")
	}

	m.mu.Lock()
	if s, ok := m.sessions[sc.SessionID]; ok {
		s.lastSeen = m.now()
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	s, err := m.build(appctx.WithSession(ctx, sc), sc, rawURL)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[sc.SessionID]; ok {
		// Lost a race with a concurrent Open; ours has no edits yet.
		existing.lastSeen = m.now()
		m.mu.Unlock()
		err := s.Cart.Close(ctx)
		m.log.WithContext(ctx).Debugw("discarded concurrently built session", "session_id", sc.SessionID, "error", err)
		return existing, nil
	}
	s.lastSeen = m.now()
	m.sessions[sc.SessionID] = s
	m.mu.Unlock()

	m.log.WithContext(ctx).Infow("session opened", "session_id", sc.SessionID, "anonymous", sc.CustomerID == "")
	return s, nil
}

func (m *Manager) build(ctx context.Context, sc *appctx.SessionContext, rawURL string) (*Session, error) {
	page, err := NewPageURL(rawURL)
	if err != nil {
		return nil, err
	}

	log := m.log.With("session_id", sc.SessionID)
	durable := kv.Prefixed(m.deps.Durable, sc.Owner())
	scoped := memory.NewStore()

	resolver := location.NewResolver(page, durable, scoped, log)
	refiner := location.NewRefiner(resolver, m.deps.Geocoder, m.cfg.GeocodeTimeout, log)
	prices := cart.NewEnricher(m.deps.Pricing, resolver, m.cfg.Cart, log)
	// Background cart calls outlive the request that opened the session.
	base := appctx.WithSession(context.Background(), sc)
	engine := cart.NewEngine(base, cartOwner(sc), m.deps.Cart, prices, durable, m.cfg.Cart, log)

	if err := engine.Load(ctx); err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}

	// A refined location changes the price key; warm the cache for it.
	refiner.Subscribe(func(ctx context.Context, _ location.Context) {
		engine.Prefetch(ctx)
	})

	resolver.Resolve(ctx)

	return &Session{
		ID:         sc.SessionID,
		CustomerID: sc.CustomerID,
		URL:        page,
		Location:   resolver,
		Refiner:    refiner,
		Prices:     prices,
		Cart:       engine,
	}, nil
}

// Get returns a live session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperror.NewNotFound("session", sessionID)
	}
	s.lastSeen = m.now()
	return s, nil
}

// Navigate moves the session to rawURL. A URL without location parameters
// drops the manual location.
func (m *Manager) Navigate(ctx context.Context, s *Session, rawURL string) (location.Context, error) {
	if err := s.URL.Replace(rawURL); err != nil {
		return location.Context{}, err
	}
	if err := s.Location.ClearIfNoURLParams(ctx); err != nil {
		return location.Context{}, err
	}
	m.touch(s)
	return s.Location.Resolve(ctx), nil
}

// RecordDetected stores an IP-inferred location for the session found in
// ctx. Requests without a live session are ignored.
func (m *Manager) RecordDetected(ctx context.Context, c location.Context) {
	id := appctx.GetSessionID(ctx)
	if id == "" {
		return
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	recorded, err := s.Location.RecordDetected(ctx, c)
	if err != nil {
		m.log.WithContext(ctx).Warnw("failed to record detected location", "error", err)
		return
	}
	if recorded {
		m.log.WithContext(ctx).Debugw("detected location recorded", "pricing_key", c.PricingKey())
	}
}

// End tears down one session, flushing its pending cart edits.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return apperror.NewNotFound("session", sessionID)
	}
	return m.teardown(ctx, s)
}

// Start begins the idle sweep.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.started {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	m.wg.Add(1)
	go m.sweepLoop(ctx)
	m.log.Info("session manager started")
}

// Stop ends the sweep and flushes every live session.
func (m *Manager) Stop(ctx context.Context) error {
	m.lifecycleMu.Lock()
	cancel := m.cancel
	m.started = false
	m.cancel = nil
	m.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	err := m.Close(ctx)
	m.log.Info("session manager stopped")
	return err
}

// Close tears down every live session, flushing pending cart edits.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := m.teardown(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EvictIdle tears down sessions idle longer than IdleTimeout and returns
// how many were evicted.
func (m *Manager) EvictIdle(ctx context.Context) int {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.lastSeen.Before(cutoff) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		if err := m.teardown(ctx, s); err != nil {
			m.log.WithContext(ctx).Warnw("session teardown incomplete", "session_id", s.ID, "error", err)
		}
	}
	return len(idle)
}

// Stats returns live session counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Sessions: len(m.sessions)}
	for _, s := range m.sessions {
		if s.CustomerID == "" {
			st.Anonymous++
		}
	}
	return st
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.EvictIdle(context.WithoutCancel(ctx)); n > 0 {
				m.log.Infow("idle sessions evicted", "count", n)
			}
		}
	}
}

// teardown flushes pending cart edits so leaving never drops them.
func (m *Manager) teardown(ctx context.Context, s *Session) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.FlushTimeout)
	defer cancel()

	s.Refiner.Wait()
	if err := s.Cart.Close(ctx); err != nil {
		return fmt.Errorf("flush cart of session %s: %w", s.ID, err)
	}
	m.log.WithContext(ctx).Debugw("session closed", "session_id", s.ID)
	return nil
}

func (m *Manager) touch(s *Session) {
	m.mu.Lock()
	s.lastSeen = m.now()
	m.mu.Unlock()
}

// cartOwner is the identity the remote cart is keyed by.
func cartOwner(sc *appctx.SessionContext) string {
	if sc.CustomerID != "" {
		return sc.CustomerID
	}
	return sc.SessionID
}
