package cart

import (
	"context"
	"time"

	"storefront/internal/domain/location"
)

// CartAPI is the remote cart. ApplyDelta is assumed safe to resend once
// after a timeout.
type CartAPI interface {
	GetCart(ctx context.Context, customerID string) (Snapshot, error)
	ApplyDelta(ctx context.Context, customerID string, key LineKey, delta int) (Snapshot, error)
	Remove(ctx context.Context, customerID string, key LineKey) error
}

// PricingAPI returns product data priced for a location context.
type PricingAPI interface {
	GetProduct(ctx context.Context, productID int64, loc location.Context) (ProductSnapshot, error)
}

// LocationSource yields the location context in effect at call time.
// *location.Resolver implements it.
type LocationSource interface {
	Resolve(ctx context.Context) location.Context
}

// Clock abstracts time so debounce windows can be driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback.
type Timer interface {
	Stop() bool
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
