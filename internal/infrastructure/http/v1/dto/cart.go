package dto

import (
	"time"

	"storefront/internal/domain/cart"
)

// AddLineRequest adds a product to the cart.
type AddLineRequest struct {
	ProductID   int64 `json:"productId" binding:"required"`
	WarehouseID int64 `json:"warehouseId"`
	Quantity    int   `json:"quantity" binding:"min=1"`
}

// Key returns the line key.
func (r *AddLineRequest) Key() cart.LineKey {
	return cart.LineKey{ProductID: r.ProductID, WarehouseID: r.WarehouseID}
}

// SetQuantityRequest changes the quantity of a line.
type SetQuantityRequest struct {
	Quantity int `json:"quantity"`
}

// LineKeyQuery selects a line variant.
type LineKeyQuery struct {
	WarehouseID int64 `form:"warehouseId"`
}

// PendingResponse is an edit that has not been sent yet.
type PendingResponse struct {
	ProductID   int64     `json:"productId"`
	WarehouseID int64     `json:"warehouseId,omitempty"`
	Target      int       `json:"target"`
	Delta       int       `json:"delta"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// FromPending converts pending mutations for the API.
func FromPending(pending []cart.PendingMutation) []PendingResponse {
	out := make([]PendingResponse, 0, len(pending))
	for _, p := range pending {
		out = append(out, PendingResponse{
			ProductID:   p.Key.ProductID,
			WarehouseID: p.Key.WarehouseID,
			Target:      p.Target,
			Delta:       p.Delta,
			ScheduledAt: p.ScheduledAt,
		})
	}
	return out
}
