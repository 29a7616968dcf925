package handlers

import (
	"github.com/gin-gonic/gin"

	"storefront/internal/domain/location"
	"storefront/internal/infrastructure/http/v1/dto"
)

// LocationHandler exposes the location resolver of the session.
type LocationHandler struct {
	*BaseHandler
}

// NewLocationHandler creates a new location handler.
func NewLocationHandler(base *BaseHandler) *LocationHandler {
	return &LocationHandler{BaseHandler: base}
}

// Get handles GET /location
func (h *LocationHandler) Get(c *gin.Context) {
	s, ok := h.Session(c)
	if !ok {
		return
	}
	h.OK(c, s.Location.Resolve(c.Request.Context()))
}

// Set handles PUT /location
func (h *LocationHandler) Set(c *gin.Context) {
	s, ok := h.Session(c)
	if !ok {
		return
	}

	var req dto.LocationRequest
	if !h.BindJSON(c, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		h.Error(c, err)
		return
	}

	ctx := c.Request.Context()
	var (
		applied location.Context
		err     error
	)
	switch req.Mode() {
	case dto.LocationByAddress:
		applied, err = s.Refiner.EditAddress(ctx, req.Address)
	case dto.LocationByCoordinates:
		applied, err = s.Refiner.UseCoordinates(ctx, req.Coordinates())
	default:
		applied, err = s.Refiner.Set(ctx, req.ToContext())
	}
	if err != nil {
		h.Error(c, err)
		return
	}

	// The price key may have changed; warm the cache before the next view.
	s.Cart.Prefetch(ctx)
	h.OK(c, applied)
}
