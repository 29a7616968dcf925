// Package commerce is the HTTP adapter for the remote cart, pricing and
// geocoding services.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"storefront/internal/core/apperror"
	appctx "storefront/internal/core/context"
	"storefront/internal/core/types"
	"storefront/internal/domain/cart"
	"storefront/internal/domain/location"
	"storefront/pkg/logger"
)

var tracer = otel.Tracer("storefront/commerce")

var (
	_ cart.CartAPI      = (*Client)(nil)
	_ cart.PricingAPI   = (*Client)(nil)
	_ location.Geocoder = (*Client)(nil)
)

// Headers exchanged with the commerce backend.
const (
	HeaderRequestID        = "X-Request-ID"
	HeaderSessionID        = "X-Session-ID"
	HeaderDetectedLocation = "X-Detected-Location"
)

// Config holds commerce client configuration.
type Config struct {
	BaseURL string
	APIKey  string

	// Timeout caps every request; callers usually set a shorter deadline.
	Timeout time.Duration

	// MaxErrorBody limits how much of an error response is kept.
	MaxErrorBody int64
}

// DefaultConfig returns default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Timeout:      30 * time.Second,
		MaxErrorBody: 4 * 1024,
	}
}

// DetectedHook receives the location the backend inferred for the request.
type DetectedHook func(ctx context.Context, c location.Context)

// Client talks JSON over HTTP to the commerce backend.
type Client struct {
	cfg      Config
	http     *http.Client
	log      *logger.Logger
	detected DetectedHook
}

// NewClient creates a commerce client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.WithComponent("commerce"),
	}
}

// OnDetectedLocation registers the hook called whenever a response carries
// the detected-location header.
func (c *Client) OnDetectedLocation(hook DetectedHook) {
	c.detected = hook
}

// --- cart.CartAPI ---

type cartItemDTO struct {
	ProductID   int64 `json:"productId"`
	WarehouseID int64 `json:"warehouseId,omitempty"`
	Quantity    int   `json:"quantity"`
}

type cartDTO struct {
	Items []cartItemDTO `json:"items"`
	Total types.Money   `json:"total"`
}

type deltaRequest struct {
	ProductID   int64 `json:"productId"`
	WarehouseID int64 `json:"warehouseId,omitempty"`
	Delta       int   `json:"delta"`
}

// GetCart fetches the server cart of customerID.
func (c *Client) GetCart(ctx context.Context, customerID string) (cart.Snapshot, error) {
	var out cartDTO
	err := c.do(ctx, "cart.get", http.MethodGet, cartPath(customerID), nil, nil, &out)
	if err != nil {
		return cart.Snapshot{}, err
	}
	return out.snapshot(), nil
}

// ApplyDelta changes the quantity of a line by delta.
func (c *Client) ApplyDelta(ctx context.Context, customerID string, key cart.LineKey, delta int) (cart.Snapshot, error) {
	body := deltaRequest{ProductID: key.ProductID, WarehouseID: key.WarehouseID, Delta: delta}
	var out cartDTO
	err := c.do(ctx, "cart.apply_delta", http.MethodPost, cartPath(customerID)+"/items", nil, body, &out)
	if err != nil {
		return cart.Snapshot{}, err
	}
	return out.snapshot(), nil
}

// Remove deletes a line.
func (c *Client) Remove(ctx context.Context, customerID string, key cart.LineKey) error {
	var q url.Values
	if key.WarehouseID != 0 {
		q = url.Values{"warehouseId": {fmt.Sprint(key.WarehouseID)}}
	}
	path := fmt.Sprintf("%s/items/%d", cartPath(customerID), key.ProductID)
	return c.do(ctx, "cart.remove", http.MethodDelete, path, q, nil, nil)
}

func cartPath(customerID string) string {
	return "/carts/" + url.PathEscape(customerID)
}

func (d cartDTO) snapshot() cart.Snapshot {
	snap := cart.Snapshot{Items: make([]cart.LineItem, 0, len(d.Items))}
	for _, it := range d.Items {
		snap.Items = append(snap.Items, cart.LineItem{
			Key:      cart.LineKey{ProductID: it.ProductID, WarehouseID: it.WarehouseID},
			Quantity: it.Quantity,
		})
	}
	snap.Total = d.Total
	return snap
}

// --- cart.PricingAPI ---

// GetProduct fetches a product priced for loc.
func (c *Client) GetProduct(ctx context.Context, productID int64, loc location.Context) (cart.ProductSnapshot, error) {
	var out cart.ProductSnapshot
	path := fmt.Sprintf("/products/%d", productID)
	if err := c.do(ctx, "pricing.get_product", http.MethodGet, path, loc.Query(), nil, &out); err != nil {
		return cart.ProductSnapshot{}, err
	}
	if out.ProductID == 0 {
		out.ProductID = productID
	}
	return out, nil
}

// --- location.Geocoder ---

type coordinatesDTO struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type addressDTO struct {
	Address string `json:"address"`
}

// Forward geocodes an address.
func (c *Client) Forward(ctx context.Context, address string) (location.Coordinates, error) {
	var out coordinatesDTO
	q := url.Values{location.ParamAddress: {address}}
	if err := c.do(ctx, "geocode.forward", http.MethodGet, "/geocode", q, nil, &out); err != nil {
		return location.Coordinates{}, err
	}
	coords := location.Coordinates{Lat: out.Lat, Lon: out.Lon}
	if err := coords.Validate(); err != nil {
		return location.Coordinates{}, apperror.NewNetwork("geocode.forward", err)
	}
	return coords, nil
}

// Reverse resolves coordinates to an address.
func (c *Client) Reverse(ctx context.Context, coords location.Coordinates) (string, error) {
	var out addressDTO
	q := location.Context{}.WithCoordinates(coords).Query()
	if err := c.do(ctx, "geocode.reverse", http.MethodGet, "/geocode/reverse", q, nil, &out); err != nil {
		return "", err
	}
	if out.Address == "" {
		return "", apperror.NewNotFound("address", fmt.Sprintf("%v,%v", coords.Lat, coords.Lon))
	}
	return out.Address, nil
}

// --- transport ---

type errorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	ctx, span := tracer.Start(ctx, "commerce."+op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	))
	defer span.End()

	err := c.roundTrip(ctx, op, method, path, query, body, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if id := appctx.GetRequestID(ctx); id != "" {
		req.Header.Set(HeaderRequestID, id)
	}
	if id := appctx.GetSessionID(ctx); id != "" {
		req.Header.Set(HeaderSessionID, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	c.reportDetected(ctx, resp.Header.Get(HeaderDetectedLocation))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(op, path, resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperror.NewNetwork(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func transportError(ctx context.Context, op string, err error) error {
	var netErr interface{ Timeout() bool }
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return apperror.NewTimeout(op, err)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return ctx.Err()
	default:
		return apperror.NewNetwork(op, err)
	}
}

func (c *Client) statusError(op, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxErrorBody))

	var body errorDTO
	_ = json.Unmarshal(raw, &body)
	cause := fmt.Errorf("%s %s: status=%d body=%s", op, path, resp.StatusCode, strings.TrimSpace(string(raw)))

	switch resp.StatusCode {
	case http.StatusNotFound:
		return apperror.NewNotFound(op, path).WithCause(cause)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		msg := body.Message
		if msg == "" {
			msg = "Request rejected by upstream"
		}
		return apperror.NewValidation(msg).WithDetail("operation", op).WithCause(cause)
	case http.StatusConflict:
		msg := body.Message
		if msg == "" {
			msg = "Upstream conflict"
		}
		return apperror.NewConflict(msg).WithDetail("operation", op).WithCause(cause)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return apperror.NewTimeout(op, cause)
	default:
		return apperror.NewNetwork(op, cause)
	}
}

// reportDetected parses the header as location query parameters.
func (c *Client) reportDetected(ctx context.Context, header string) {
	if header == "" || c.detected == nil {
		return
	}
	q, err := url.ParseQuery(header)
	if err != nil {
		c.log.WithContext(ctx).Debugw("ignoring malformed detected location", "header", header, "error", err)
		return
	}
	loc, ok := location.FromQuery(q)
	if !ok {
		return
	}
	c.detected(ctx, loc.WithSource(location.SourceDetected))
}
