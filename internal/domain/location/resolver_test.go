package location

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/core/apperror"
	"storefront/internal/infrastructure/storage/memory"
	"storefront/pkg/logger"
)

type pageURL struct {
	query url.Values
}

func (p *pageURL) Query() url.Values { return p.query }

func (p *pageURL) SetLocation(q url.Values) {
	next := url.Values{}
	for k, v := range p.query {
		if k == ParamAddress || k == ParamCity || k == ParamLat || k == ParamLon {
			continue
		}
		next[k] = v
	}
	for k, v := range q {
		next[k] = v
	}
	p.query = next
}

type failingStore struct {
	*memory.Store
}

func (f failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("storage offline")
}

func newTestResolver() (*Resolver, *pageURL, *memory.Store, *memory.Store) {
	u := &pageURL{query: url.Values{}}
	durable := memory.NewStore()
	session := memory.NewStore()
	return NewResolver(u, durable, session, logger.Nop()), u, durable, session
}

func ptr(f float64) *float64 { return &f }

func TestResolve_NothingAvailable(t *testing.T) {
	r, _, _, _ := newTestResolver()

	got := r.Resolve(context.Background())

	assert.Equal(t, SourceNone, got.Source)
	assert.True(t, got.IsZero())
}

func TestResolve_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	r, u, _, _ := newTestResolver()

	recorded, err := r.RecordDetected(ctx, Context{City: "Казань"})
	require.NoError(t, err)
	require.True(t, recorded)
	assert.Equal(t, SourceDetected, r.Resolve(ctx).Source)

	_, err = r.SetManual(ctx, Context{Address: "Tverskaya 1"})
	require.NoError(t, err)

	// SetManual rewrote the URL, so the value now comes back as explicit.
	got := r.Resolve(ctx)
	assert.Equal(t, SourceExplicit, got.Source)
	assert.Equal(t, "Tverskaya 1", got.Address)

	// Drop the URL parameters without clearing: manual wins over detected.
	u.query = url.Values{}
	got = r.Resolve(ctx)
	assert.Equal(t, SourceManual, got.Source)
	assert.Equal(t, "Tverskaya 1", got.Address)
}

func TestResolve_ExplicitClearsDetected(t *testing.T) {
	ctx := context.Background()
	r, u, _, session := newTestResolver()

	_, err := r.RecordDetected(ctx, Context{City: "Omsk"})
	require.NoError(t, err)

	u.query = url.Values{ParamCity: {"Tomsk"}}
	got := r.Resolve(ctx)
	assert.Equal(t, SourceExplicit, got.Source)
	assert.Equal(t, "Tomsk", got.City)

	_, ok, _ := session.Get(ctx, KeyDetected)
	assert.False(t, ok, "detected layer must be invalidated by an explicit URL")

	u.query = url.Values{}
	assert.Equal(t, SourceNone, r.Resolve(ctx).Source)
}

func TestSetManual_ThenURLCarriesSameAddress(t *testing.T) {
	ctx := context.Background()
	r, u, _, _ := newTestResolver()

	_, err := r.SetManual(ctx, Context{Address: "ул. Ленина 5", Lat: ptr(55.75), Lon: ptr(37.61)})
	require.NoError(t, err)

	assert.Equal(t, "ул. Ленина 5", u.query.Get(ParamAddress))

	got := r.Resolve(ctx)
	assert.Equal(t, SourceExplicit, got.Source)
	assert.Equal(t, "ул. Ленина 5", got.Address)
	require.True(t, got.HasCoordinates())
	assert.InDelta(t, 55.75, *got.Lat, 1e-9)
	assert.InDelta(t, 37.61, *got.Lon, 1e-9)
}

func TestClearIfNoURLParams_DropsManual(t *testing.T) {
	ctx := context.Background()
	r, u, durable, _ := newTestResolver()

	_, err := r.SetManual(ctx, Context{Address: "X"})
	require.NoError(t, err)

	// Navigation to a page whose URL has no location parameters.
	u.query = url.Values{"page": {"2"}}
	require.NoError(t, r.ClearIfNoURLParams(ctx))

	got := r.Resolve(ctx)
	assert.NotEqual(t, "X", got.Address)
	assert.Contains(t, []Source{SourceNone, SourceDetected}, got.Source)

	_, ok, _ := durable.Get(ctx, KeyManual)
	assert.False(t, ok)
}

func TestClearIfNoURLParams_KeepsManualWhenURLHasParams(t *testing.T) {
	ctx := context.Background()
	r, _, durable, _ := newTestResolver()

	_, err := r.SetManual(ctx, Context{City: "Samara"})
	require.NoError(t, err)
	require.NoError(t, r.ClearIfNoURLParams(ctx))

	_, ok, _ := durable.Get(ctx, KeyManual)
	assert.True(t, ok)
}

func TestClearIfNoURLParams_UnparseableParamsCountAsAbsent(t *testing.T) {
	ctx := context.Background()
	r, u, durable, _ := newTestResolver()

	_, err := r.SetManual(ctx, Context{City: "Samara"})
	require.NoError(t, err)

	u.query = url.Values{ParamLat: {"abc"}}
	require.NoError(t, r.ClearIfNoURLParams(ctx))

	_, ok, _ := durable.Get(ctx, KeyManual)
	assert.False(t, ok)
	assert.Equal(t, SourceNone, r.Resolve(ctx).Source)
}

func TestSetManual_ClearsDetected(t *testing.T) {
	ctx := context.Background()
	r, u, _, session := newTestResolver()

	_, err := r.RecordDetected(ctx, Context{City: "Perm"})
	require.NoError(t, err)
	_, err = r.SetManual(ctx, Context{City: "Perm"})
	require.NoError(t, err)

	_, ok, _ := session.Get(ctx, KeyDetected)
	assert.False(t, ok)

	u.query = url.Values{}
	require.NoError(t, r.ClearIfNoURLParams(ctx))
	assert.Equal(t, SourceNone, r.Resolve(ctx).Source)
}

func TestSetManual_Validation(t *testing.T) {
	ctx := context.Background()
	r, u, durable, _ := newTestResolver()

	_, err := r.SetManual(ctx, Context{})
	assert.True(t, apperror.IsValidation(err))

	_, err = r.SetManual(ctx, Context{Lat: ptr(91), Lon: ptr(10)})
	assert.True(t, apperror.IsValidation(err))

	assert.Equal(t, 0, durable.Len())
	assert.Empty(t, u.query)
}

func TestSetManual_AddressAndCityExclusive(t *testing.T) {
	ctx := context.Background()
	r, u, _, _ := newTestResolver()

	got, err := r.SetManual(ctx, Context{Address: "Nevsky 10", City: "Saint Petersburg"})
	require.NoError(t, err)

	assert.Equal(t, "Nevsky 10", got.Address)
	assert.Empty(t, got.City)
	assert.Empty(t, u.query.Get(ParamCity))
}

func TestRecordDetected_OncePerSession(t *testing.T) {
	ctx := context.Background()
	r, u, _, _ := newTestResolver()

	ok, err := r.RecordDetected(ctx, Context{City: "Ufa"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.RecordDetected(ctx, Context{City: "Sochi"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "Ufa", r.Resolve(ctx).City)

	// Cleared by an explicit URL; a later report must not resurrect detection.
	u.query = url.Values{ParamCity: {"Kazan"}}
	r.Resolve(ctx)
	u.query = url.Values{}

	ok, err = r.RecordDetected(ctx, Context{City: "Ufa"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, SourceNone, r.Resolve(ctx).Source)
}

func TestResolve_UnreadableLayerFallsThrough(t *testing.T) {
	ctx := context.Background()
	u := &pageURL{query: url.Values{}}
	session := memory.NewStore()
	r := NewResolver(u, failingStore{memory.NewStore()}, session, logger.Nop())

	_, err := r.RecordDetected(ctx, Context{City: "Vologda"})
	require.NoError(t, err)

	got := r.Resolve(ctx)
	assert.Equal(t, SourceDetected, got.Source)
	assert.Equal(t, "Vologda", got.City)
}

func TestFromQuery(t *testing.T) {
	tests := []struct {
		name  string
		query url.Values
		ok    bool
		want  Context
	}{
		{name: "empty", query: url.Values{}, ok: false},
		{name: "city", query: url.Values{ParamCity: {"Kazan"}}, ok: true, want: Context{Source: SourceExplicit, City: "Kazan"}},
		{name: "address wins over city", query: url.Values{ParamCity: {"Kazan"}, ParamAddress: {"Bauman 1"}}, ok: true, want: Context{Source: SourceExplicit, Address: "Bauman 1"}},
		{name: "coordinates only", query: url.Values{ParamLat: {"55.1"}, ParamLon: {"37.2"}}, ok: true, want: Context{Source: SourceExplicit, Lat: ptr(55.1), Lon: ptr(37.2)}},
		{name: "half coordinates", query: url.Values{ParamLat: {"55.1"}}, ok: false},
		{name: "garbage coordinates", query: url.Values{ParamLat: {"north"}, ParamLon: {"east"}}, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FromQuery(tt.query)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got), "want %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestPricingKey_IgnoresSource(t *testing.T) {
	a := Context{Source: SourceManual, Address: "Main St 1"}
	b := Context{Source: SourceExplicit, Address: "main st 1"}

	assert.Equal(t, a.PricingKey(), b.PricingKey())
	assert.NotEqual(t, a.PricingKey(), a.WithCoordinates(Coordinates{Lat: 1, Lon: 2}).PricingKey())
	assert.Equal(t, "-", None().PricingKey())
}
