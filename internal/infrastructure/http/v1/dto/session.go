package dto

import (
	"time"

	"storefront/internal/domain/location"
)

// OpenSessionRequest starts a storefront session.
type OpenSessionRequest struct {
	// CustomerID is empty for an anonymous shopper.
	CustomerID string `json:"customerId"`
	URL        string `json:"url"`
}

// SessionResponse carries a new session token.
type SessionResponse struct {
	Token     string           `json:"token"`
	SessionID string           `json:"sessionId"`
	ExpiresAt time.Time        `json:"expiresAt"`
	Location  location.Context `json:"location"`
}

// NavigateRequest moves the session to a new page.
type NavigateRequest struct {
	URL string `json:"url" binding:"required"`
}
