package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const shortNamesTTL = 10 * time.Minute

// ShortNames resolves bond secids to human readable short names from the
// market data API. Lookups never fail; the last good map is served instead.
type ShortNames struct {
	base   string
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	names   map[string]string
	fetched time.Time
}

// NewShortNames builds a resolver for baseURL. An empty base disables lookups.
func NewShortNames(baseURL string, timeout time.Duration, logger *slog.Logger) *ShortNames {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShortNames{
		base:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger: logger,
		now:    time.Now,
	}
}

type bondListing struct {
	Bonds []struct {
		SecID     string `json:"secid"`
		ShortName string `json:"shortname"`
	} `json:"bonds"`
}

// Lookup returns the secid to short name map.
func (n *ShortNames) Lookup(ctx context.Context) map[string]string {
	if n == nil || n.base == "" {
		return nil
	}
	n.mu.Lock()
	if n.names != nil && n.now().Sub(n.fetched) < shortNamesTTL {
		names := n.names
		n.mu.Unlock()
		return names
	}
	n.mu.Unlock()

	names, err := n.fetch(ctx)
	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		n.logger.Warn("bond short names unavailable", slog.Any("error", err))
		return n.names
	}
	n.names = names
	n.fetched = n.now()
	return names
}

func (n *ShortNames) fetch(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.base+"/api/bonds?onchain=true", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("market data: unexpected status %d", resp.StatusCode)
	}
	var listing bondListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("market data: decode: %w", err)
	}
	names := make(map[string]string, len(listing.Bonds))
	for _, b := range listing.Bonds {
		if b.SecID == "" || b.ShortName == "" {
			continue
		}
		names[b.SecID] = b.ShortName
	}
	return names, nil
}
