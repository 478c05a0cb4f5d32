package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// ExternalProvider asks a reasoning service over HTTP. Calls are bounded by
// Timeout and pass through a circuit breaker.
type ExternalProvider struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration

	breaker *gobreaker.CircuitBreaker
}

func NewExternalProvider(url string, timeout time.Duration, logger *slog.Logger) *ExternalProvider {
	return &ExternalProvider{
		URL:     url,
		Client:  &http.Client{},
		Timeout: timeout,
		breaker: newBreaker("decision-provider", logger),
	}
}

func (p *ExternalProvider) Decide(ctx context.Context, s Snapshot) (Recommendation, error) {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.call(ctx, s)
	})
	if err != nil {
		return Recommendation{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	rec := out.(Recommendation)
	if !rec.Action.Valid() {
		return Recommendation{}, fmt.Errorf("%w: %q", ErrInvalidAction, rec.Action)
	}
	return rec, nil
}

func (p *ExternalProvider) call(ctx context.Context, s Snapshot) (Recommendation, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	body, err := json.Marshal(s)
	if err != nil {
		return Recommendation{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return Recommendation{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return Recommendation{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Recommendation{}, fmt.Errorf("provider status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var rec Recommendation
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return Recommendation{}, fmt.Errorf("decode recommendation: %w", err)
	}
	return rec, nil
}
