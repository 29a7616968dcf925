package handlers

import (
	"github.com/gin-gonic/gin"

	"storefront/internal/core/apperror"
	"storefront/internal/domain/cart"
	"storefront/internal/domain/session"
	"storefront/internal/infrastructure/http/v1/dto"
)

// CartHandler exposes the cart engine of the session.
type CartHandler struct {
	*BaseHandler
}

// NewCartHandler creates a new cart handler.
func NewCartHandler(base *BaseHandler) *CartHandler {
	return &CartHandler{BaseHandler: base}
}

// Get handles GET /cart
// Prices still missing are fetched for a bounded time first.
func (h *CartHandler) Get(c *gin.Context) {
	s, ok := h.Session(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	s.Cart.Prefetch(ctx)
	h.OK(c, s.Cart.View(ctx))
}

// Pending handles GET /cart/pending
func (h *CartHandler) Pending(c *gin.Context) {
	s, ok := h.Session(c)
	if !ok {
		return
	}
	h.OK(c, dto.FromPending(s.Cart.Pending()))
}

// Add handles POST /cart/lines
func (h *CartHandler) Add(c *gin.Context) {
	s, ok := h.Session(c)
	if !ok {
		return
	}

	var req dto.AddLineRequest
	if !h.BindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	if err := s.Cart.Add(ctx, req.Key(), req.Quantity); err != nil {
		h.Error(c, err)
		return
	}
	h.Accepted(c, s.Cart.View(ctx))
}

// SetQuantity handles PUT /cart/lines/:productId
func (h *CartHandler) SetQuantity(c *gin.Context) {
	s, key, ok := h.line(c)
	if !ok {
		return
	}

	var req dto.SetQuantityRequest
	if !h.BindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	if err := s.Cart.SetQuantity(ctx, key, req.Quantity); err != nil {
		h.Error(c, err)
		return
	}
	h.Accepted(c, s.Cart.View(ctx))
}

// Remove handles DELETE /cart/lines/:productId
func (h *CartHandler) Remove(c *gin.Context) {
	s, key, ok := h.line(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := s.Cart.Remove(ctx, key); err != nil {
		h.Error(c, err)
		return
	}
	h.Accepted(c, s.Cart.View(ctx))
}

// Flush handles POST /cart/flush
// Used before checkout: returns once no edit is pending or in flight.
func (h *CartHandler) Flush(c *gin.Context) {
	s, ok := h.Session(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := s.Cart.Flush(ctx); err != nil {
		if !apperror.IsAppError(err) {
			err = apperror.NewTimeout("cart.flush", err)
		}
		h.Error(c, err)
		return
	}
	h.OK(c, s.Cart.View(ctx))
}

func (h *CartHandler) line(c *gin.Context) (*session.Session, cart.LineKey, bool) {
	s, ok := h.Session(c)
	if !ok {
		return nil, cart.LineKey{}, false
	}
	productID, ok := h.ParseInt64Param(c, "productId")
	if !ok {
		return nil, cart.LineKey{}, false
	}
	var q dto.LineKeyQuery
	if !h.BindQuery(c, &q) {
		return nil, cart.LineKey{}, false
	}
	return s, cart.LineKey{ProductID: productID, WarehouseID: q.WarehouseID}, true
}
