package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// Fetcher retrieves credentials from the gateway and re-fetches them once
// the TTL has elapsed.
type Fetcher struct {
	url      string
	username string
	password string
	ttl      time.Duration
	client   *http.Client
	now      func() time.Time

	mu    sync.Mutex
	cache cache
}

type errorBody struct {
	Message string `json:"message"`
}

func NewFetcher(cfg config.ClientConfig, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := time.Duration(cfg.CredentialTTLMS) * time.Millisecond
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Fetcher{
		url:      strings.TrimRight(cfg.GatewayURL, "/") + TokenPath,
		username: cfg.Username,
		password: cfg.Password,
		ttl:      ttl,
		client:   client,
		now:      time.Now,
	}
}

func (f *Fetcher) Credential(ctx context.Context) (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cache.fresh(f.now(), f.ttl) {
		return f.cache.value, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if f.username != "" || f.password != "" {
		req.SetBasicAuth(f.username, f.password)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: read response: %v", ErrFetch, err)
	}
	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.Message != "" {
			return Credential{}, fmt.Errorf("%w: %s: %s", ErrFetch, resp.Status, eb.Message)
		}
		return Credential{}, fmt.Errorf("%w: gateway returned status %s", ErrFetch, resp.Status)
	}

	var cred Credential
	if err := json.Unmarshal(body, &cred); err != nil {
		return Credential{}, fmt.Errorf("%w: decode response: %v", ErrFetch, err)
	}
	if cred.Token == "" {
		return Credential{}, fmt.Errorf("%w: empty token", ErrFetch)
	}
	f.cache = cache{value: cred, fetched: f.now()}
	return cred, nil
}
