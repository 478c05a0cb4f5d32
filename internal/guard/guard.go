package guard

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"opsgate/internal/apperr"
	"opsgate/internal/tenants"
)

var (
	ErrInvalidKey       = apperr.New(apperr.KindAuth, "invalid_api_key", "invalid api key")
	ErrInvalidSignature = apperr.New(apperr.KindAuth, "invalid_signature", "invalid webhook signature")
	ErrStaleTimestamp   = apperr.New(apperr.KindAuth, "stale_timestamp", "webhook timestamp missing or outside the allowed window")
)

const signaturePrefix = "sha256="

// TenantResolver finds the tenant owning an API key.
type TenantResolver interface {
	ByAPIKey(ctx context.Context, key string) (tenants.Tenant, error)
}

// Request carries the authentication material of one webhook delivery.
type Request struct {
	APIKey    string
	Signature string
	Timestamp string
	Body      []byte
}

type Guard struct {
	Tenants TenantResolver
	Now     func() time.Time
}

func New(resolver TenantResolver) *Guard {
	return &Guard{
		Tenants: resolver,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate resolves the tenant for req and, when the tenant has HMAC
// enabled, verifies the timestamp window and the body signature.
func (g *Guard) Authenticate(ctx context.Context, req Request) (tenants.Tenant, error) {
	if req.APIKey == "" {
		return tenants.Tenant{}, ErrInvalidKey
	}
	t, err := g.Tenants.ByAPIKey(ctx, req.APIKey)
	if err != nil {
		if errors.Is(err, tenants.ErrNotFound) {
			return tenants.Tenant{}, ErrInvalidKey
		}
		return tenants.Tenant{}, err
	}
	if !t.Security.HMACEnabled {
		return t, nil
	}

	ts, err := ParseTimestamp(req.Timestamp)
	if err != nil {
		return tenants.Tenant{}, ErrStaleTimestamp
	}
	skew := g.Now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > t.Security.MaxTimestampDiff() {
		return tenants.Tenant{}, ErrStaleTimestamp
	}
	if !Verify(t.Security.HMACSecret, req.Timestamp, req.Body, req.Signature) {
		return tenants.Tenant{}, ErrInvalidSignature
	}
	return t, nil
}

// ParseTimestamp accepts unix seconds or RFC 3339.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

// Sign returns the X-Signature header value for body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(mac(secret, timestamp, body))
}

// Verify checks header against the HMAC-SHA256 of "{timestamp}.{body}" in
// constant time.
func Verify(secret, timestamp string, body []byte, header string) bool {
	if secret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac(secret, timestamp, body))
}

func mac(secret, timestamp string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(body)
	return h.Sum(nil)
}
