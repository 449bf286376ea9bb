package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

func TestIssuerRequiresKeyAndRegion(t *testing.T) {
	issuer := NewIssuer(config.SpeechConfig{Region: "japaneast"}, nil)
	if _, err := issuer.Credential(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestIssuerCachesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if got := r.Header.Get(subscriptionKeyHeader); got != "secret" {
			t.Errorf("unexpected subscription key %q", got)
		}
		if r.URL.Path != "/japaneast/issueToken" {
			t.Errorf("region not substituted: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte("token-abc"))
	}))
	defer srv.Close()

	issuer := NewIssuer(config.SpeechConfig{
		Key:           "secret",
		Region:        "japaneast",
		TokenEndpoint: srv.URL + "/{region}/issueToken",
		TokenTTLMS:    60000,
	}, srv.Client())
	now := time.Unix(1000, 0)
	issuer.now = func() time.Time { return now }

	cred, err := issuer.Credential(context.Background())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if cred.Token != "token-abc" || cred.Region != "japaneast" {
		t.Fatalf("unexpected credential %+v", cred)
	}
	now = now.Add(30 * time.Second)
	if _, err := issuer.Credential(context.Background()); err != nil {
		t.Fatalf("cached issue: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected cached token, got %d calls", calls.Load())
	}
	now = now.Add(time.Minute)
	if _, err := issuer.Credential(context.Background()); err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected reissue after ttl, got %d calls", calls.Load())
	}
}

func TestIssuerUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusUnauthorized)
	}))
	defer srv.Close()

	issuer := NewIssuer(config.SpeechConfig{Key: "bad", Region: "westus", TokenEndpoint: srv.URL}, srv.Client())
	if _, err := issuer.Credential(context.Background()); !errors.Is(err, ErrIssue) {
		t.Fatalf("expected ErrIssue, got %v", err)
	}
}

func TestFetcherRefetchesAfterTTL(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != TokenPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "pw" {
			t.Errorf("missing basic auth")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"t1","region":"japaneast"}`))
	}))
	defer srv.Close()

	fetcher := NewFetcher(config.ClientConfig{
		GatewayURL:      srv.URL + "/",
		Username:        "alice",
		Password:        "pw",
		CredentialTTLMS: 1000,
	}, srv.Client())
	now := time.Unix(0, 0)
	fetcher.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		cred, err := fetcher.Credential(context.Background())
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if cred.Token != "t1" || cred.Region != "japaneast" {
			t.Fatalf("unexpected credential %+v", cred)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one fetch, got %d", calls.Load())
	}
	now = now.Add(2 * time.Second)
	if _, err := fetcher.Credential(context.Background()); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected refetch after ttl, got %d", calls.Load())
	}
}

func TestFetcherReportsGatewayMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"environment variables not found SPEECH_KEY or SPEECH_REGION"}`))
	}))
	defer srv.Close()

	fetcher := NewFetcher(config.ClientConfig{GatewayURL: srv.URL}, srv.Client())
	_, err := fetcher.Credential(context.Background())
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch, got %v", err)
	}
	if want := "SPEECH_KEY"; err == nil || !strings.Contains(err.Error(), want) {
		t.Fatalf("expected gateway message in error, got %v", err)
	}
}

