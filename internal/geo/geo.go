// Package geo resolves coarse locations from IP addresses. Lookups are
// best-effort: every failure path degrades to an unknown location and a
// bounded timeout keeps the provider off the request's critical path.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"time"
)

// Location is a coarse, city-granularity position.
type Location struct {
	Country  string `json:"country"`
	Region   string `json:"region"`
	City     string `json:"city"`
	Timezone string `json:"timezone"`
}

// Provider resolves an IP to a Location. A nil Location with a nil error
// means the address could not be resolved; callers must treat that as
// "unknown", never as a failure.
type Provider interface {
	Lookup(ctx context.Context, ip string) (*Location, error)
}

// NoopProvider never resolves anything. It is the default when no endpoint
// is configured.
type NoopProvider struct{}

func (NoopProvider) Lookup(context.Context, string) (*Location, error) { return nil, nil }

// HTTPProvider queries a JSON geolocation endpoint of the form
// <endpoint>/<ip>. Responses must decode into Location.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
}

// NewHTTPProvider creates a provider with the given bounded timeout.
func NewHTTPProvider(endpoint string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Lookup resolves ip. Private and unparseable addresses resolve to unknown
// without touching the network.
func (p *HTTPProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/"+addr.String(), nil)
	if err != nil {
		return nil, nil
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geolocation status %d", resp.StatusCode)
	}

	var loc Location
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return nil, nil
	}
	if loc.Country == "" {
		return nil, nil
	}
	return &loc, nil
}
