// Package credential issues and fetches short-lived speech service tokens.
package credential

import (
	"context"
	"errors"
	"time"
)

// TokenPath is the gateway route serving credentials.
const TokenPath = "/api/get-speech-token"

// DefaultTTL stays below the ten minute lifetime of speech service tokens.
const DefaultTTL = 9 * time.Minute

var (
	ErrNotConfigured = errors.New("speech key or region not configured")
	ErrIssue         = errors.New("speech token issuance failed")
	ErrFetch         = errors.New("speech token unavailable")
)

// Credential authorizes a client against the speech service.
type Credential struct {
	Token  string `json:"token"`
	Region string `json:"region"`
}

// Source yields a credential that is valid for at least a few minutes.
type Source interface {
	Credential(ctx context.Context) (Credential, error)
}

type cache struct {
	value   Credential
	fetched time.Time
}

func (c *cache) fresh(now time.Time, ttl time.Duration) bool {
	return c.value.Token != "" && now.Sub(c.fetched) < ttl
}
