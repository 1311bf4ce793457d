// Package preference gates notification delivery on the admin user's
// opt-in, with a short-lived cache so the network is not consulted on
// every inbound event.
package preference

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "clubwatch/pkg/logx"
)

// DefaultTTL is how long a fetched preference stays fresh.
const DefaultTTL = 30 * time.Second

// Client fetches the current user's notification preference.
type Client interface {
	Fetch(ctx context.Context) (enabled bool, err error)
}

// HTTPClient fetches the preference from the club server.
type HTTPClient struct {
	URL   string
	Token string
	HTTP  *http.Client
}

func (c *HTTPClient) Fetch(ctx context.Context) (bool, error) {
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(c.Token) != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("preference fetch: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return false, fmt.Errorf("preference fetch: %w", err)
	}
	return body.Enabled, nil
}

// Cache is a time-bounded cache over a preference Client.
//
// Failure policy is fail-closed: a fetch error reads as "disabled" and is
// not cached, so the next call retries. Concurrent callers during a refetch
// share a single in-flight request.
type Cache struct {
	client Client
	ttl    time.Duration
	log    logx.Logger

	// now is swappable for tests.
	now func() time.Time

	mu        sync.Mutex
	enabled   bool
	expiresAt time.Time
	inflight  chan struct{} // non-nil while a fetch is running
	lastErr   error
}

func NewCache(client Client, ttl time.Duration, log logx.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{client: client, ttl: ttl, log: log, now: time.Now}
}

// IsEnabled reports whether the user wants notifications. A cached value is
// served until its TTL expires; otherwise one fetch refreshes it.
func (c *Cache) IsEnabled(ctx context.Context) bool {
	for {
		c.mu.Lock()
		now := c.now()
		if now.Before(c.expiresAt) {
			en := c.enabled
			c.mu.Unlock()
			return en
		}
		if c.inflight != nil {
			// Another caller is already refetching; wait for it rather
			// than issuing a duplicate request.
			done := c.inflight
			c.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return false
			}
		}
		done := make(chan struct{})
		c.inflight = done
		c.mu.Unlock()

		enabled, err := c.client.Fetch(ctx)

		c.mu.Lock()
		c.inflight = nil
		close(done)
		if err != nil {
			// Fail closed, and do not cache the failure.
			c.lastErr = err
			c.mu.Unlock()
			c.log.Warn("preference fetch failed; treating as disabled", logx.Err(err))
			return false
		}
		c.lastErr = nil
		c.enabled = enabled
		c.expiresAt = c.now().Add(c.ttl)
		c.mu.Unlock()
		return enabled
	}
}

// Invalidate drops the cached value immediately. Call it when the user
// changes their preference so the next gate check refetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// LastError returns the most recent fetch error, if the cache is currently
// failing. Informational only.
func (c *Cache) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
