package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	appctx "storefront/internal/core/context"
	"storefront/internal/core/id"
)

// TokenConfig holds session token configuration.
type TokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// DefaultTokenConfig returns default token configuration.
func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Issuer: "storefront",
		TTL:    24 * time.Hour,
	}
}

// Claims represents session token claims.
type Claims struct {
	jwt.RegisteredClaims
	SessionID  string `json:"sid"`
	CustomerID string `json:"cid,omitempty"`
}

// TokenService issues and validates HS256 session tokens.
type TokenService struct {
	config TokenConfig
}

// NewTokenService creates a new token service.
func NewTokenService(config TokenConfig) *TokenService {
	return &TokenService{config: config}
}

// Issue starts a new session for customerID (empty for an anonymous
// shopper) and returns its token.
func (s *TokenService) Issue(customerID string) (string, *appctx.SessionContext, time.Time, error) {
	sc := &appctx.SessionContext{
		SessionID:  id.New(),
		CustomerID: customerID,
	}
	token, expiresAt, err := s.IssueFor(sc)
	if err != nil {
		return "", nil, time.Time{}, err
	}
	return token, sc, expiresAt, nil
}

// IssueFor signs a token for an existing session.
func (s *TokenService) IssueFor(sc *appctx.SessionContext) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.config.TTL)

	subject := sc.CustomerID
	if subject == "" {
		subject = sc.SessionID
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID:  sc.SessionID,
		CustomerID: sc.CustomerID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a token and returns its session context.
func (s *TokenService) ValidateToken(tokenString string) (*appctx.SessionContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	}, jwt.WithIssuer(s.config.Issuer))

	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.SessionID == "" {
		return nil, fmt.Errorf("invalid token claims")
	}

	return &appctx.SessionContext{
		SessionID:  claims.SessionID,
		CustomerID: claims.CustomerID,
	}, nil
}
