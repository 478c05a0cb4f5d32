package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsgate/internal/apperr"
	"opsgate/internal/logging"
)

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]*User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]*User{}}
}

func (f *fakeUserStore) GetByUsername(_ context.Context, username string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUserStore) Insert(_ context.Context, u *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u.ID = int64(len(f.users) + 1)
	cp := *u
	f.users[u.Username] = &cp
	return nil
}

func TestAuthenticateIssuesParsableToken(t *testing.T) {
	store := newFakeUserStore()
	_, err := CreateUser(context.Background(), store, "alice", "s3cret", RoleCompanyAdmin, "acme")
	require.NoError(t, err)
	svc := NewService(store, "test-secret")

	user, token, err := svc.Authenticate(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, RoleCompanyAdmin, user.Role)

	claims, err := svc.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "acme", claims.CompanyID)

	_, _, err = svc.Authenticate(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
}

func TestSeedFromFileSkipsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	data := `users:
  - username: msp
    password: pw
    role: msp_admin
  - username: tech
    password: pw
    role: technician
    company_id: acme
  - username: broken
    password: pw
    role: superuser
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	store := newFakeUserStore()

	require.NoError(t, SeedFromFile(context.Background(), store, path))
	require.NoError(t, SeedFromFile(context.Background(), store, path))

	assert.Len(t, store.users, 2)
	tech, err := store.GetByUsername(context.Background(), "tech")
	require.NoError(t, err)
	assert.Equal(t, "acme", tech.CompanyID)
}

func TestJWTMiddleware(t *testing.T) {
	svc := NewService(newFakeUserStore(), "test-secret")
	token, err := svc.IssueToken(&User{ID: 7, Username: "bob", Role: RoleTechnician, CompanyID: "acme"})
	require.NoError(t, err)

	var seen *User
	h := JWTMiddleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/incidents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "acme", seen.CompanyID)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/incidents", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginHandler(t *testing.T) {
	store := newFakeUserStore()
	_, err := CreateUser(context.Background(), store, "alice", "s3cret", RoleMSPAdmin, "")
	require.NoError(t, err)
	h := &LoginHandler{Service: NewService(store, "k"), Logger: logging.Discard()}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"alice","password":"s3cret"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"token"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"alice","password":"nope"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestApprovalPolicy(t *testing.T) {
	p := ApprovalPolicy{}
	tests := []struct {
		role Role
		risk string
		want bool
	}{
		{RoleTechnician, "low", true},
		{RoleTechnician, "medium", false},
		{RoleCompanyAdmin, "medium", true},
		{RoleCompanyAdmin, "high", false},
		{RoleMSPAdmin, "high", true},
		{RoleMSPAdmin, "unknown", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.CanApprove(string(tt.role), tt.risk), "%s/%s", tt.role, tt.risk)
	}
}

func TestCompanyFor(t *testing.T) {
	tech := &User{Role: RoleTechnician, CompanyID: "acme"}
	msp := &User{Role: RoleMSPAdmin}

	got, err := CompanyFor(tech, "")
	require.NoError(t, err)
	assert.Equal(t, "acme", got)

	_, err = CompanyFor(tech, "globex")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = CompanyFor(msp, "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	got, err = CompanyFor(msp, "globex")
	require.NoError(t, err)
	assert.Equal(t, "globex", got)
}
