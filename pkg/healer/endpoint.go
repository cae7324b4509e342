package healer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// EndpointProber checks whether the backup upstream is reachable. The
// switch_endpoint strategy succeeds iff the probe does.
type EndpointProber interface {
	Probe(ctx context.Context) error
}

// HTTPProber probes a backup endpoint over HTTP behind a circuit breaker,
// so a dead endpoint fails fast instead of eating the strategy's attempt
// budget on timeouts.
type HTTPProber struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPProber creates a prober for the given URL.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "backup-endpoint",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
		}),
	}
}

// Probe issues a GET against the backup endpoint. Any 2xx-4xx answer counts
// as reachable; 5xx and transport errors do not.
func (p *HTTPProber) Probe(ctx context.Context) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("backup endpoint unhealthy: %s", resp.Status)
		}
		return nil, nil
	})
	return err
}
