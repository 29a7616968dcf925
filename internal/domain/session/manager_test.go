package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"storefront/internal/core/apperror"
	appctx "storefront/internal/core/context"
	"storefront/internal/core/types"
	"storefront/internal/domain/cart"
	"storefront/internal/domain/location"
	"storefront/internal/infrastructure/storage/memory"
	"storefront/pkg/logger"
)

type stubCart struct {
	mu     sync.Mutex
	qty    map[string]map[cart.LineKey]int
	deltas []int
	loads  int
}

func newStubCart() *stubCart {
	return &stubCart{qty: make(map[string]map[cart.LineKey]int)}
}

func (s *stubCart) snapshot(owner string) cart.Snapshot {
	snap := cart.Snapshot{Total: types.Zero()}
	for k, q := range s.qty[owner] {
		snap.Items = append(snap.Items, cart.LineItem{Key: k, Quantity: q})
	}
	return snap
}

func (s *stubCart) GetCart(_ context.Context, owner string) (cart.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	return s.snapshot(owner), nil
}

func (s *stubCart) ApplyDelta(_ context.Context, owner string, key cart.LineKey, delta int) (cart.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qty[owner] == nil {
		s.qty[owner] = make(map[cart.LineKey]int)
	}
	s.qty[owner][key] += delta
	s.deltas = append(s.deltas, delta)
	return s.snapshot(owner), nil
}

func (s *stubCart) Remove(_ context.Context, owner string, key cart.LineKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.qty[owner], key)
	return nil
}

type stubPricing struct{}

func (stubPricing) GetProduct(_ context.Context, id int64, _ location.Context) (cart.ProductSnapshot, error) {
	return cart.ProductSnapshot{ProductID: id, UnitPrice: types.MustMoney("1")}, nil
}

type offlineGeocoder struct{}

func (offlineGeocoder) Forward(context.Context, string) (location.Coordinates, error) {
	return location.Coordinates{}, errors.New("offline")
}

func (offlineGeocoder) Reverse(context.Context, location.Coordinates) (string, error) {
	return "", errors.New("offline")
}

func newTestManager(api *stubCart, durable *memory.Store) *Manager {
	cfg := DefaultManagerConfig()
	cfg.IdleTimeout = time.Minute
	return NewManager(Dependencies{
		Durable:  durable,
		Cart:     api,
		Pricing:  stubPricing{},
		Geocoder: offlineGeocoder{},
	}, cfg, logger.Nop())
}

func TestOpen_ReusesLiveSession(t *testing.T) {
	ctx := context.Background()
	api := newStubCart()
	m := newTestManager(api, memory.NewStore())
	sc := &appctx.SessionContext{SessionID: "s-1", CustomerID: "c-1"}

	first, err := m.Open(ctx, sc, "/catalog")
	require.NoError(t, err)
	second, err := m.Open(ctx, sc, "/other")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, api.loads)
	assert.Equal(t, "/catalog", second.URL.String())
	assert.Equal(t, Stats{Sessions: 1}, m.Stats())
}

// barrierCart holds every GetCart until all expected callers have arrived.
type barrierCart struct {
	*stubCart
	arrived sync.WaitGroup
}

func (b *barrierCart) GetCart(ctx context.Context, owner string) (cart.Snapshot, error) {
	b.arrived.Done()
	b.arrived.Wait()
	return b.stubCart.GetCart(ctx, owner)
}

func TestOpen_ConcurrentOpensShareOneSession(t *testing.T) {
	ctx := context.Background()
	api := &barrierCart{stubCart: newStubCart()}
	api.arrived.Add(2)

	core, logs := observer.New(zapcore.DebugLevel)
	m := NewManager(Dependencies{
		Durable:  memory.NewStore(),
		Cart:     api,
		Pricing:  stubPricing{},
		Geocoder: offlineGeocoder{},
	}, DefaultManagerConfig(), &logger.Logger{SugaredLogger: zap.New(core).Sugar()})
	sc := &appctx.SessionContext{SessionID: "s-race"}

	var wg sync.WaitGroup
	opened := make([]*Session, 2)
	for i := range opened {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Open(ctx, sc, "/catalog")
			assert.NoError(t, err)
			opened[i] = s
		}()
	}
	wg.Wait()

	require.NotNil(t, opened[0])
	assert.Same(t, opened[0], opened[1])
	assert.Equal(t, 2, api.loads)
	assert.Equal(t, Stats{Sessions: 1, Anonymous: 1}, m.Stats())
	assert.Equal(t, 1, logs.FilterMessage("discarded concurrently built session").Len())
}

func TestOpen_RequiresSession(t *testing.T) {
	m := newTestManager(newStubCart(), memory.NewStore())

	_, err := m.Open(context.Background(), nil, "/")
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeUnauthorized, appErr.Code)
}

func TestOpen_ExplicitURLLocation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newStubCart(), memory.NewStore())

	s, err := m.Open(ctx, &appctx.SessionContext{SessionID: "s-2"}, "/catalog?city=Kazan")
	require.NoError(t, err)

	got := s.Location.Resolve(ctx)
	assert.Equal(t, location.SourceExplicit, got.Source)
	assert.Equal(t, "Kazan", got.City)
}

func TestManualLocation_SurvivesAcrossSessionsOfSameCustomer(t *testing.T) {
	ctx := context.Background()
	durable := memory.NewStore()
	m := newTestManager(newStubCart(), durable)

	s1, err := m.Open(ctx, &appctx.SessionContext{SessionID: "s-a", CustomerID: "c-9"}, "/")
	require.NoError(t, err)
	_, err = s1.Location.SetManual(ctx, location.Context{Address: "Lenina 5"})
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx))

	s2, err := m.Open(ctx, &appctx.SessionContext{SessionID: "s-b", CustomerID: "c-9"}, "/")
	require.NoError(t, err)
	got := s2.Location.Resolve(ctx)
	assert.Equal(t, location.SourceManual, got.Source)
	assert.Equal(t, "Lenina 5", got.Address)

	// Another shopper does not see it.
	s3, err := m.Open(ctx, &appctx.SessionContext{SessionID: "s-c", CustomerID: "c-10"}, "/")
	require.NoError(t, err)
	assert.Equal(t, location.SourceNone, s3.Location.Resolve(ctx).Source)
}

func TestNavigate_ClearsManualWithoutURLParams(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newStubCart(), memory.NewStore())

	s, err := m.Open(ctx, &appctx.SessionContext{SessionID: "s-3"}, "/")
	require.NoError(t, err)
	_, err = s.Location.SetManual(ctx, location.Context{Address: "X"})
	require.NoError(t, err)

	got, err := m.Navigate(ctx, s, "/cart?address=X")
	require.NoError(t, err)
	assert.Equal(t, location.SourceExplicit, got.Source)

	got, err = m.Navigate(ctx, s, "/cart")
	require.NoError(t, err)
	assert.Equal(t, location.SourceNone, got.Source)
}

func TestRecordDetected_UsesSessionFromContext(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(newStubCart(), memory.NewStore())
	sc := &appctx.SessionContext{SessionID: "s-4"}

	s, err := m.Open(ctx, sc, "/")
	require.NoError(t, err)

	m.RecordDetected(ctx, location.Context{City: "Nowhere"})
	assert.Equal(t, location.SourceNone, s.Location.Resolve(ctx).Source, "no session in context")

	sctx := appctx.WithSession(ctx, sc)
	m.RecordDetected(sctx, location.Context{City: "Omsk"})
	m.RecordDetected(sctx, location.Context{City: "Tomsk"})

	got := s.Location.Resolve(ctx)
	assert.Equal(t, location.SourceDetected, got.Source)
	assert.Equal(t, "Omsk", got.City)
}

func TestEvictIdle_FlushesPendingEdits(t *testing.T) {
	ctx := context.Background()
	api := newStubCart()
	api.qty["c-5"] = map[cart.LineKey]int{{ProductID: 1}: 1}
	m := newTestManager(api, memory.NewStore())

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	s, err := m.Open(ctx, &appctx.SessionContext{SessionID: "s-5", CustomerID: "c-5"}, "/")
	require.NoError(t, err)
	require.NoError(t, s.Cart.SetQuantity(ctx, cart.LineKey{ProductID: 1}, 4))

	assert.Equal(t, 0, m.EvictIdle(ctx))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, m.EvictIdle(ctx))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []int{3}, api.deltas)
	assert.Equal(t, 4, api.qty["c-5"][cart.LineKey{ProductID: 1}])

	_, err = m.Get(ctx, "s-5")
	assert.True(t, apperror.IsNotFound(err))
}

func TestStop_FlushesEverySession(t *testing.T) {
	ctx := context.Background()
	api := newStubCart()
	api.qty["c-6"] = map[cart.LineKey]int{{ProductID: 2}: 2}
	m := newTestManager(api, memory.NewStore())
	m.Start(ctx)

	s, err := m.Open(ctx, &appctx.SessionContext{SessionID: "s-6", CustomerID: "c-6"}, "/")
	require.NoError(t, err)
	require.NoError(t, s.Cart.SetQuantity(ctx, cart.LineKey{ProductID: 2}, 1))

	require.NoError(t, m.Stop(ctx))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []int{-1}, api.deltas)
	assert.Equal(t, 0, m.Stats().Sessions)
}

func TestEnd_FlushesAndForgetsSession(t *testing.T) {
	ctx := context.Background()
	api := newStubCart()
	m := newTestManager(api, memory.NewStore())

	s, err := m.Open(ctx, &appctx.SessionContext{SessionID: "s-7"}, "/")
	require.NoError(t, err)
	require.NoError(t, s.Cart.Add(ctx, cart.LineKey{ProductID: 3}, 2))

	require.NoError(t, m.End(ctx, "s-7"))
	assert.True(t, apperror.IsNotFound(m.End(ctx, "s-7")))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 2, api.qty["s-7"][cart.LineKey{ProductID: 3}])
}
