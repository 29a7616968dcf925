// Package location decides which location context governs location-sensitive
// pricing. Four layers are consulted in strict priority order:
// explicit (URL) > manual (durable, user entered) > detected (session, IP
// inferred) > none. All reads go through Resolver.Resolve.
package location

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"storefront/internal/core/apperror"
)

// Source records where a resolved context came from.
type Source string

const (
	SourceNone     Source = "none"
	SourceDetected Source = "detected"
	SourceManual   Source = "manual"
	SourceExplicit Source = "explicit"
)

// URL query parameter names carrying a location.
const (
	ParamAddress = "address"
	ParamCity    = "city"
	ParamLat     = "lat"
	ParamLon     = "lon"
)

// Context is one resolved location. Values are immutable: every helper
// returns a modified copy.
//
// Address and City are mutually exclusive; coordinates may accompany either
// or stand alone.
type Context struct {
	Source  Source   `json:"source"`
	Address string   `json:"address,omitempty"`
	City    string   `json:"city,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lon     *float64 `json:"lon,omitempty"`
}

// None is the empty context.
func None() Context {
	return Context{Source: SourceNone}
}

// Coordinates is a lat/lon pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks WGS 84 ranges.
func (c Coordinates) Validate() error {
	if c.Lat < -90 || c.Lat > 90 {
		return apperror.NewValidation("latitude out of range").WithDetail("lat", c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return apperror.NewValidation("longitude out of range").WithDetail("lon", c.Lon)
	}
	return nil
}

// IsZero reports whether c carries no location data at all.
func (c Context) IsZero() bool {
	return c.Address == "" && c.City == "" && !c.HasCoordinates()
}

// HasCoordinates reports whether both lat and lon are set.
func (c Context) HasCoordinates() bool {
	return c.Lat != nil && c.Lon != nil
}

// Coordinates returns the lat/lon pair if present.
func (c Context) Coordinates() (Coordinates, bool) {
	if !c.HasCoordinates() {
		return Coordinates{}, false
	}
	return Coordinates{Lat: *c.Lat, Lon: *c.Lon}, true
}

// WithSource returns a copy stamped with s.
func (c Context) WithSource(s Source) Context {
	c.Source = s
	return c
}

// WithAddress returns a copy with address set and city cleared.
func (c Context) WithAddress(address string) Context {
	c.Address = strings.TrimSpace(address)
	if c.Address != "" {
		c.City = ""
	}
	return c
}

// WithCity returns a copy with city set and address cleared.
func (c Context) WithCity(city string) Context {
	c.City = strings.TrimSpace(city)
	if c.City != "" {
		c.Address = ""
	}
	return c
}

// WithCoordinates returns a copy carrying coords.
func (c Context) WithCoordinates(coords Coordinates) Context {
	lat, lon := coords.Lat, coords.Lon
	c.Lat, c.Lon = &lat, &lon
	return c
}

// WithoutCoordinates returns a copy with lat/lon cleared.
func (c Context) WithoutCoordinates() Context {
	c.Lat, c.Lon = nil, nil
	return c
}

// Normalize trims strings, enforces address/city exclusivity (address wins)
// and drops half-specified coordinates.
func (c Context) Normalize() Context {
	c.Address = strings.TrimSpace(c.Address)
	c.City = strings.TrimSpace(c.City)
	if c.Address != "" {
		c.City = ""
	}
	if !c.HasCoordinates() {
		c.Lat, c.Lon = nil, nil
	} else {
		lat, lon := *c.Lat, *c.Lon
		c.Lat, c.Lon = &lat, &lon
	}
	if c.IsZero() {
		c.Source = SourceNone
	}
	return c
}

// PricingKey is a stable identity for price lookups. Provenance does not
// affect prices, so Source is not part of it.
func (c Context) PricingKey() string {
	if c.IsZero() {
		return "-"
	}
	var b strings.Builder
	switch {
	case c.Address != "":
		b.WriteString("a:")
		b.WriteString(strings.ToLower(c.Address))
	case c.City != "":
		b.WriteString("c:")
		b.WriteString(strings.ToLower(c.City))
	}
	if coords, ok := c.Coordinates(); ok {
		fmt.Fprintf(&b, "|%.6f,%.6f", coords.Lat, coords.Lon)
	}
	return b.String()
}

// Equal compares location data and source.
func (c Context) Equal(o Context) bool {
	return c.Source == o.Source && c.PricingKey() == o.PricingKey()
}

// Query renders the location as URL query parameters.
func (c Context) Query() url.Values {
	q := url.Values{}
	if c.Address != "" {
		q.Set(ParamAddress, c.Address)
	}
	if c.City != "" {
		q.Set(ParamCity, c.City)
	}
	if coords, ok := c.Coordinates(); ok {
		q.Set(ParamLat, strconv.FormatFloat(coords.Lat, 'f', -1, 64))
		q.Set(ParamLon, strconv.FormatFloat(coords.Lon, 'f', -1, 64))
	}
	return q
}

// FromQuery extracts a location from URL query parameters. ok is false when
// the query carries no usable location parameter.
func FromQuery(q url.Values) (Context, bool) {
	c := Context{
		Source:  SourceExplicit,
		Address: q.Get(ParamAddress),
		City:    q.Get(ParamCity),
	}
	lat, latErr := strconv.ParseFloat(q.Get(ParamLat), 64)
	lon, lonErr := strconv.ParseFloat(q.Get(ParamLon), 64)
	if latErr == nil && lonErr == nil {
		coords := Coordinates{Lat: lat, Lon: lon}
		if coords.Validate() == nil {
			c = c.WithCoordinates(coords)
		}
	}
	c = c.Normalize()
	if c.IsZero() {
		return None(), false
	}
	return c, true
}
