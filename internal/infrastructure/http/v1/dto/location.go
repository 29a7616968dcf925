package dto

import (
	"strings"

	"storefront/internal/core/apperror"
	"storefront/internal/domain/location"
)

// LocationRequest sets the manual location.
//
// An address alone is geocoded in the background; coordinates alone are
// reverse geocoded. Anything else is stored as given.
type LocationRequest struct {
	Address string   `json:"address"`
	City    string   `json:"city"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
}

// LocationMode says how a LocationRequest is applied.
type LocationMode int

const (
	LocationAsGiven LocationMode = iota
	LocationByAddress
	LocationByCoordinates
)

// Mode classifies the request.
func (r *LocationRequest) Mode() LocationMode {
	hasAddress := strings.TrimSpace(r.Address) != ""
	hasCity := strings.TrimSpace(r.City) != ""
	hasCoords := r.Lat != nil && r.Lon != nil
	switch {
	case hasAddress && !hasCity && !hasCoords:
		return LocationByAddress
	case hasCoords && !hasAddress && !hasCity:
		return LocationByCoordinates
	default:
		return LocationAsGiven
	}
}

// Validate rejects requests that are ambiguous or half filled.
func (r *LocationRequest) Validate() error {
	if (r.Lat == nil) != (r.Lon == nil) {
		return apperror.NewValidation("lat and lon must be given together")
	}
	if strings.TrimSpace(r.Address) != "" && strings.TrimSpace(r.City) != "" {
		return apperror.NewValidation("address and city are mutually exclusive")
	}
	return nil
}

// Coordinates returns the requested coordinates.
func (r *LocationRequest) Coordinates() location.Coordinates {
	return location.Coordinates{Lat: *r.Lat, Lon: *r.Lon}
}

// ToContext converts to a domain context.
func (r *LocationRequest) ToContext() location.Context {
	c := location.Context{Address: r.Address, City: r.City}
	if r.Lat != nil && r.Lon != nil {
		c = c.WithCoordinates(r.Coordinates())
	}
	return c
}
