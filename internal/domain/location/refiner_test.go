package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/pkg/logger"
)

type lookupResult struct {
	coords  Coordinates
	address string
	err     error
}

// stubGeocoder hands out results only when the test releases them.
type stubGeocoder struct {
	mu           sync.Mutex
	forward      map[string]chan lookupResult
	reverse      chan lookupResult
	forwardCalls int
	reverseCalls int
}

func newStubGeocoder() *stubGeocoder {
	return &stubGeocoder{
		forward: make(map[string]chan lookupResult),
		reverse: make(chan lookupResult, 1),
	}
}

func (g *stubGeocoder) gate(address string) chan lookupResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.forward[address]
	if !ok {
		ch = make(chan lookupResult, 1)
		g.forward[address] = ch
	}
	return ch
}

func (g *stubGeocoder) Forward(ctx context.Context, address string) (Coordinates, error) {
	g.mu.Lock()
	g.forwardCalls++
	g.mu.Unlock()
	select {
	case res := <-g.gate(address):
		return res.coords, res.err
	case <-ctx.Done():
		return Coordinates{}, ctx.Err()
	}
}

func (g *stubGeocoder) Reverse(ctx context.Context, _ Coordinates) (string, error) {
	g.mu.Lock()
	g.reverseCalls++
	g.mu.Unlock()
	select {
	case res := <-g.reverse:
		return res.address, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func newTestRefiner() (*Refiner, *Resolver, *stubGeocoder, chan Context) {
	r, _, _, _ := newTestResolver()
	geo := newStubGeocoder()
	ref := NewRefiner(r, geo, time.Second, logger.Nop())
	refined := make(chan Context, 8)
	ref.Subscribe(func(_ context.Context, c Context) { refined <- c })
	return ref, r, geo, refined
}

func waitRefined(t *testing.T, ch chan Context) Context {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("refinement was not published")
		return Context{}
	}
}

func TestEditAddress_AppliesImmediatelyThenRefines(t *testing.T) {
	ctx := context.Background()
	ref, r, geo, refined := newTestRefiner()

	applied, err := ref.EditAddress(ctx, "Arbat 12")
	require.NoError(t, err)
	assert.Equal(t, "Arbat 12", applied.Address)
	assert.False(t, applied.HasCoordinates())

	geo.gate("Arbat 12") <- lookupResult{coords: Coordinates{Lat: 55.75, Lon: 37.59}}
	got := waitRefined(t, refined)
	ref.Wait()

	assert.Equal(t, "Arbat 12", got.Address)
	require.True(t, got.HasCoordinates())
	assert.InDelta(t, 55.75, *got.Lat, 1e-9)
	assert.Equal(t, got.PricingKey(), r.Resolve(ctx).PricingKey())
}

func TestEditAddress_StaleResponseDiscarded(t *testing.T) {
	ctx := context.Background()
	ref, r, geo, refined := newTestRefiner()

	_, err := ref.EditAddress(ctx, "First 1")
	require.NoError(t, err)
	_, err = ref.EditAddress(ctx, "Second 2")
	require.NoError(t, err)

	// Newer request (token N+1) resolves first.
	geo.gate("Second 2") <- lookupResult{coords: Coordinates{Lat: 2, Lon: 2}}
	waitRefined(t, refined)

	// The older one (token N) comes back late.
	geo.gate("First 1") <- lookupResult{coords: Coordinates{Lat: 1, Lon: 1}}
	ref.Wait()

	got := r.Resolve(ctx)
	assert.Equal(t, "Second 2", got.Address)
	require.True(t, got.HasCoordinates())
	assert.InDelta(t, 2.0, *got.Lat, 1e-9)
	assert.Len(t, refined, 0, "stale response must not be published")
}

func TestEditAddress_ForwardFailureKeepsAddress(t *testing.T) {
	ctx := context.Background()
	ref, r, geo, refined := newTestRefiner()

	r.RetainCoordinates(ctx, Coordinates{Lat: 10, Lon: 20})

	applied, err := ref.EditAddress(ctx, "Unknown lane")
	require.NoError(t, err)
	require.True(t, applied.HasCoordinates(), "retained coordinates are reused right away")

	geo.gate("Unknown lane") <- lookupResult{err: errors.New("geocoder down")}
	ref.Wait()

	got := r.Resolve(ctx)
	assert.Equal(t, "Unknown lane", got.Address)
	require.True(t, got.HasCoordinates())
	assert.InDelta(t, 10.0, *got.Lat, 1e-9)
	assert.Len(t, refined, 0)
}

func TestEditAddress_MemoAvoidsSecondLookup(t *testing.T) {
	ctx := context.Background()
	ref, _, geo, refined := newTestRefiner()

	_, err := ref.EditAddress(ctx, "Pushkina 3")
	require.NoError(t, err)
	geo.gate("Pushkina 3") <- lookupResult{coords: Coordinates{Lat: 3, Lon: 3}}
	waitRefined(t, refined)
	ref.Wait()

	got, err := ref.EditAddress(ctx, "pushkina 3 ")
	require.NoError(t, err)
	ref.Wait()

	assert.Equal(t, 1, geo.forwardCalls)
	require.True(t, got.HasCoordinates())
	assert.InDelta(t, 3.0, *got.Lat, 1e-9)
}

func TestUseCoordinates_ReverseGeocodes(t *testing.T) {
	ctx := context.Background()
	ref, r, geo, refined := newTestRefiner()

	applied, err := ref.UseCoordinates(ctx, Coordinates{Lat: 55.75, Lon: 37.61})
	require.NoError(t, err)
	assert.Empty(t, applied.Address)
	assert.True(t, applied.HasCoordinates())

	geo.reverse <- lookupResult{address: "ул. Ленина 5"}
	got := waitRefined(t, refined)
	ref.Wait()

	assert.Equal(t, "ул. Ленина 5", got.Address)
	assert.True(t, got.HasCoordinates())

	known, ok := r.KnownCoordinates(ctx)
	require.True(t, ok)
	assert.InDelta(t, 37.61, known.Lon, 1e-9)
}

func TestUseCoordinates_ReverseFailureKeepsCoordinates(t *testing.T) {
	ctx := context.Background()
	ref, r, geo, _ := newTestRefiner()

	_, err := ref.UseCoordinates(ctx, Coordinates{Lat: 1, Lon: 2})
	require.NoError(t, err)
	geo.reverse <- lookupResult{err: errors.New("timeout")}
	ref.Wait()

	got := r.Resolve(ctx)
	assert.Empty(t, got.Address)
	assert.True(t, got.HasCoordinates())
}

func TestSet_SupersedesOutstandingLookup(t *testing.T) {
	ctx := context.Background()
	ref, r, geo, refined := newTestRefiner()

	_, err := ref.EditAddress(ctx, "Old street")
	require.NoError(t, err)
	_, err = ref.Set(ctx, Context{City: "Novosibirsk"})
	require.NoError(t, err)

	geo.gate("Old street") <- lookupResult{coords: Coordinates{Lat: 9, Lon: 9}}
	ref.Wait()

	assert.Equal(t, "Novosibirsk", r.Resolve(ctx).City)
	assert.Len(t, refined, 0)
}

func TestUseCoordinates_Validation(t *testing.T) {
	ref, _, geo, _ := newTestRefiner()

	_, err := ref.UseCoordinates(context.Background(), Coordinates{Lat: 0, Lon: 200})
	assert.Error(t, err)
	assert.Equal(t, 0, geo.reverseCalls)
}
