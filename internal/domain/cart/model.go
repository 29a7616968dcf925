// Package cart keeps a local, optimistic view of a server-held shopping cart
// consistent with the remote cart under rapid edits.
//
// Quantity edits are coalesced per line with a debounce timer and sent as a
// single delta; removals and additions go out immediately. At most one
// mutation per line is in flight at a time. Prices are joined in from the
// pricing API by the Enricher, keyed by the location context in effect.
package cart

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"storefront/internal/core/apperror"
	"storefront/internal/core/types"
)

// LineKey identifies a cart line. WarehouseID is zero when the line is not
// bound to a warehouse.
type LineKey struct {
	ProductID   int64 `json:"productId"`
	WarehouseID int64 `json:"warehouseId,omitempty"`
}

// String renders the key as "<product>" or "<product>@<warehouse>".
func (k LineKey) String() string {
	if k.WarehouseID == 0 {
		return strconv.FormatInt(k.ProductID, 10)
	}
	return strconv.FormatInt(k.ProductID, 10) + "@" + strconv.FormatInt(k.WarehouseID, 10)
}

// Validate checks that the key references a product.
func (k LineKey) Validate() error {
	if k.ProductID <= 0 {
		return apperror.NewValidation("productId must be positive").WithDetail("productId", k.ProductID)
	}
	if k.WarehouseID < 0 {
		return apperror.NewValidation("warehouseId must not be negative").WithDetail("warehouseId", k.WarehouseID)
	}
	return nil
}

// ParseLineKey is the inverse of LineKey.String.
func ParseLineKey(s string) (LineKey, error) {
	product, warehouse, hasWarehouse := strings.Cut(s, "@")
	var k LineKey
	var err error
	if k.ProductID, err = strconv.ParseInt(product, 10, 64); err != nil {
		return LineKey{}, fmt.Errorf("parse line key %q: %w", s, err)
	}
	if hasWarehouse {
		if k.WarehouseID, err = strconv.ParseInt(warehouse, 10, 64); err != nil {
			return LineKey{}, fmt.Errorf("parse line key %q: %w", s, err)
		}
	}
	return k, nil
}

// LineItem is one line as the server knows it.
type LineItem struct {
	Key      LineKey `json:"key"`
	Quantity int     `json:"quantity"`
}

// Snapshot is a point-in-time read of the cart: lines in order plus a total.
type Snapshot struct {
	Items []LineItem  `json:"items"`
	Total types.Money `json:"total"`
}

// Quantity returns the quantity of key, if the line is present.
func (s Snapshot) Quantity(key LineKey) (int, bool) {
	for _, it := range s.Items {
		if it.Key == key {
			return it.Quantity, true
		}
	}
	return 0, false
}

// ProductSnapshot is the product data joined into a cart line. UnitPrice is
// valid for the location context the snapshot was fetched with.
type ProductSnapshot struct {
	ProductID int64       `json:"productId"`
	Name      string      `json:"name"`
	UnitPrice types.Money `json:"unitPrice"`
	Images    []string    `json:"images,omitempty"`
	Category  string      `json:"category,omitempty"`
}

// PendingMutation is an uncommitted quantity change waiting for its
// debounce window to elapse.
type PendingMutation struct {
	Key         LineKey
	Target      int
	Delta       int
	ScheduledAt time.Time
}

// PriceStatus is the enrichment state of a line, independent of its cart state.
type PriceStatus string

const (
	PriceLoading PriceStatus = "loading"
	PriceReady   PriceStatus = "ready"
	PriceError   PriceStatus = "error"
)

// Line is one row of the UI projection.
type Line struct {
	Key       LineKey          `json:"key"`
	Quantity  int              `json:"quantity"`
	State     LineState        `json:"state"`
	Error     string           `json:"error,omitempty"`
	Price     PriceStatus      `json:"price"`
	PriceErr  string           `json:"priceError,omitempty"`
	Product   *ProductSnapshot `json:"product,omitempty"`
	LineTotal *types.Money     `json:"lineTotal,omitempty"`
	AddedAt   *time.Time       `json:"addedAt,omitempty"`
}

// View is the enriched, ordered projection handed to the UI.
//
// Total is the sum over lines whose price is ready. Lines still loading or
// failed are excluded, never counted as zero; Complete reports whether every
// line contributed.
type View struct {
	Lines      []Line      `json:"lines"`
	Total      types.Money `json:"total"`
	Complete   bool        `json:"complete"`
	PricingKey string      `json:"pricingKey"`
}
