package credential

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

const subscriptionKeyHeader = "Ocp-Apim-Subscription-Key"

// Issuer exchanges the speech subscription key for a short-lived token.
// Tokens are cached for the configured TTL.
type Issuer struct {
	key      string
	region   string
	endpoint string
	ttl      time.Duration
	client   *http.Client
	now      func() time.Time

	mu    sync.Mutex
	cache cache
}

func NewIssuer(cfg config.SpeechConfig, client *http.Client) *Issuer {
	if client == nil {
		client = &http.Client{Timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond}
	}
	ttl := time.Duration(cfg.TokenTTLMS) * time.Millisecond
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		key:      cfg.Key,
		region:   cfg.Region,
		endpoint: strings.ReplaceAll(cfg.TokenEndpoint, "{region}", cfg.Region),
		ttl:      ttl,
		client:   client,
		now:      time.Now,
	}
}

// Configured reports whether a key and region are present.
func (i *Issuer) Configured() bool {
	return i.key != "" && i.region != ""
}

func (i *Issuer) Credential(ctx context.Context) (Credential, error) {
	if !i.Configured() {
		return Credential{}, ErrNotConfigured
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cache.fresh(i.now(), i.ttl) {
		return i.cache.value, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrIssue, err)
	}
	req.Header.Set(subscriptionKeyHeader, i.key)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := i.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrIssue, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: read response: %v", ErrIssue, err)
	}
	if resp.StatusCode >= 300 {
		return Credential{}, fmt.Errorf("%w: token endpoint returned status %s", ErrIssue, resp.Status)
	}
	token := strings.TrimSpace(string(body))
	if token == "" {
		return Credential{}, fmt.Errorf("%w: empty token", ErrIssue)
	}

	i.cache = cache{value: Credential{Token: token, Region: i.region}, fetched: i.now()}
	return i.cache.value, nil
}
