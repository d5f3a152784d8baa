package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/genai"
)

// Verifier probes upstream keys against the live API through the official
// SDK. A cheap Models.List with page size 1 exercises authentication without
// consuming generation quota.
type Verifier struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithBaseURL points the probe at a non-default endpoint (mock upstream).
func WithBaseURL(u string) VerifierOption {
	return func(v *Verifier) { v.baseURL = u }
}

// WithVerifyHTTPClient replaces the probe's HTTP client.
func WithVerifyHTTPClient(c *http.Client) VerifierOption {
	return func(v *Verifier) { v.httpClient = c }
}

// NewVerifier creates a Verifier with a 10s probe timeout.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{timeout: 10 * time.Second}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify checks that secret authenticates against the API. A non-nil error
// means the key was rejected or the probe could not complete.
func (v *Verifier) Verify(ctx context.Context, secret string) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cfg := &genai.ClientConfig{
		APIKey:  secret,
		Backend: genai.BackendGeminiAPI,
	}
	if v.httpClient != nil {
		cfg.HTTPClient = v.httpClient
	}
	if v.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: v.baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("keypool: verify client: %w", err)
	}

	if _, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("keypool: verify: %w", err)
	}
	return nil
}

// VerifyPool probes every active key in the pool and returns the IDs that
// failed. Used by optional startup verification; failures are reported, not
// acted on, so a transient outage cannot empty the pool at boot.
func (m *Manager) VerifyPool(ctx context.Context, v *Verifier) ([]int64, error) {
	pool, err := m.store.LoadKeyPool(ctx)
	if err != nil {
		return nil, err
	}

	var failed []int64
	for _, k := range pool {
		if !k.IsActive {
			continue
		}
		if err := v.Verify(ctx, k.Secret); err != nil {
			m.log.Warn("upstream key failed verification",
				slog.Int64("key_id", k.ID),
				slog.String("error", err.Error()),
			)
			failed = append(failed, k.ID)
		}
	}
	return failed, nil
}
