package guard

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsgate/internal/tenants"
)

type fakeResolver map[string]tenants.Tenant

func (f fakeResolver) ByAPIKey(_ context.Context, key string) (tenants.Tenant, error) {
	t, ok := f[key]
	if !ok {
		return tenants.Tenant{}, tenants.ErrNotFound
	}
	return t, nil
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newGuard() *Guard {
	g := New(fakeResolver{
		"plain-key": {ID: "acme"},
		"hmac-key": {
			ID: "globex",
			Security: tenants.WebhookSecurity{
				HMACEnabled:             true,
				HMACSecret:              "s3cret",
				MaxTimestampDiffSeconds: 300,
			},
		},
	})
	g.Now = func() time.Time { return now }
	return g
}

func TestAuthenticateAPIKey(t *testing.T) {
	g := newGuard()

	tn, err := g.Authenticate(context.Background(), Request{APIKey: "plain-key", Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "acme", tn.ID)

	_, err = g.Authenticate(context.Background(), Request{APIKey: "nope"})
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = g.Authenticate(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestAuthenticateHMAC(t *testing.T) {
	g := newGuard()
	body := []byte(`{"asset_name":"web-01"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	cases := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{
			name: "valid",
			req:  Request{APIKey: "hmac-key", Timestamp: ts, Signature: Sign("s3cret", ts, body), Body: body},
		},
		{
			name:    "wrong secret",
			req:     Request{APIKey: "hmac-key", Timestamp: ts, Signature: Sign("other", ts, body), Body: body},
			wantErr: ErrInvalidSignature,
		},
		{
			name:    "tampered body",
			req:     Request{APIKey: "hmac-key", Timestamp: ts, Signature: Sign("s3cret", ts, body), Body: []byte(`{}`)},
			wantErr: ErrInvalidSignature,
		},
		{
			name:    "missing signature",
			req:     Request{APIKey: "hmac-key", Timestamp: ts, Body: body},
			wantErr: ErrInvalidSignature,
		},
		{
			name:    "missing timestamp",
			req:     Request{APIKey: "hmac-key", Signature: Sign("s3cret", "", body), Body: body},
			wantErr: ErrStaleTimestamp,
		},
		{
			name: "stale timestamp",
			req: func() Request {
				old := strconv.FormatInt(now.Add(-301*time.Second).Unix(), 10)
				return Request{APIKey: "hmac-key", Timestamp: old, Signature: Sign("s3cret", old, body), Body: body}
			}(),
			wantErr: ErrStaleTimestamp,
		},
		{
			name: "future timestamp within window",
			req: func() Request {
				soon := strconv.FormatInt(now.Add(299*time.Second).Unix(), 10)
				return Request{APIKey: "hmac-key", Timestamp: soon, Signature: Sign("s3cret", soon, body), Body: body}
			}(),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tn, err := g.Authenticate(context.Background(), tc.req)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "globex", tn.ID)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	got, err := ParseTimestamp("1772366400")
	require.NoError(t, err)
	assert.Equal(t, int64(1772366400), got.Unix())

	got, err = ParseTimestamp("2026-03-01T12:00:00Z")
	require.NoError(t, err)
	assert.True(t, got.Equal(now))

	_, err = ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestDedupIndex(t *testing.T) {
	d := NewDedupIndex(time.Hour)

	assert.True(t, d.Claim("acme", "d-1"))
	assert.False(t, d.Claim("acme", "d-1"))
	assert.True(t, d.Claim("globex", "d-1"), "delivery ids are scoped per tenant")

	d.Release("acme", "d-1")
	assert.True(t, d.Claim("acme", "d-1"))
}
