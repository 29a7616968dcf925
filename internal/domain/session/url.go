package session

import (
	"net/url"
	"sync"

	"storefront/internal/core/apperror"
	"storefront/internal/domain/location"
)

var _ location.URLState = (*PageURL)(nil)

// PageURL is the shopper's current page address. Navigation replaces it;
// the location resolver rewrites only its location parameters.
type PageURL struct {
	mu sync.RWMutex
	u  *url.URL
}

// NewPageURL parses raw. An empty raw means the storefront root.
func NewPageURL(raw string) (*PageURL, error) {
	u, err := parsePage(raw)
	if err != nil {
		return nil, err
	}
	return &PageURL{u: u}, nil
}

// Query returns a copy of the query parameters.
func (p *PageURL) Query() url.Values {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q := p.u.Query()
	return q
}

// SetLocation replaces the location parameters with q and keeps the rest.
func (p *PageURL) SetLocation(q url.Values) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.u.Query()
	for _, name := range []string{location.ParamAddress, location.ParamCity, location.ParamLat, location.ParamLon} {
		next.Del(name)
	}
	for k, v := range q {
		next[k] = append([]string(nil), v...)
	}
	u := *p.u
	u.RawQuery = next.Encode()
	p.u = &u
}

// Replace moves to a new page.
func (p *PageURL) Replace(raw string) error {
	u, err := parsePage(raw)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.u = u
	p.mu.Unlock()
	return nil
}

// String renders the current address.
func (p *PageURL) String() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.u.String()
}

func parsePage(raw string) (*url.URL, error) {
	if raw == "" {
		raw = "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, apperror.NewValidation("invalid page url").WithDetail("url", raw).WithCause(err)
	}
	return u, nil
}
