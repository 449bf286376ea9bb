// Package gateway serves speech credentials behind HTTP basic auth.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/credential"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	msgNotConfigured = "environment variables not found AZURE_SPEECH_KEY or AZURE_SPEECH_REGION"
	msgIssue         = "There was an error authorizing your speech key."
)

// Gateway is the HTTP front of the daemon. Every route except the health
// probes requires the configured basic-auth pair.
type Gateway struct {
	username string
	password string
	realm    string
	source   credential.Source
	log      *slog.Logger
	mux      *http.ServeMux

	requests metric.Int64Counter
}

func New(cfg config.GatewayConfig, source credential.Source, log *slog.Logger) (*Gateway, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("gateway.username and gateway.password must be set")
	}
	if source == nil {
		return nil, errors.New("gateway requires a credential source")
	}
	if log == nil {
		log = slog.Default()
	}
	realm := cfg.Realm
	if realm == "" {
		realm = "Secure Area"
	}
	requests, err := otel.Meter("github.com/loqalabs/loqa-captions/gateway").Int64Counter(
		"loqa.gateway.token_requests",
		metric.WithDescription("Speech token requests served by the gateway"),
	)
	if err != nil {
		return nil, fmt.Errorf("create token counter: %w", err)
	}
	g := &Gateway{
		username: cfg.Username,
		password: cfg.Password,
		realm:    realm,
		source:   source,
		log:      log.With(slog.String("component", "gateway")),
		mux:      http.NewServeMux(),
		requests: requests,
	}
	g.mux.HandleFunc(credential.TokenPath, g.handleToken)
	return g, nil
}

// Handle registers an unauthenticated route, used for health probes.
func (g *Gateway) Handle(pattern string, h http.Handler) {
	g.mux.Handle(pattern, h)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/healthz", "/readyz":
	default:
		if !g.authorized(r) {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", g.realm))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(g.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(g.password)) == 1
	return userOK && passOK
}

func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-captions/gateway").Start(r.Context(), "gateway.token",
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	cred, err := g.source.Credential(ctx)
	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, credential.ErrNotConfigured):
		status = http.StatusInternalServerError
	default:
		status = http.StatusUnauthorized
	}
	g.requests.Add(ctx, 1, metric.WithAttributes(attribute.Int("status", status)))
	span.SetAttributes(attribute.Int("http.status_code", status))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.log.Warn("speech token request failed", slogError(err))
		msg := msgIssue
		if status == http.StatusInternalServerError {
			msg = msgNotConfigured
		}
		writeJSON(w, status, map[string]string{"message": msg})
		return
	}
	writeJSON(w, status, cred)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
