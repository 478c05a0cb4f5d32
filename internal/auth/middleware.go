package auth

import (
	"context"
	"net/http"
	"strings"

	"opsgate/internal/apperr"
	"opsgate/internal/httpx"
)

type contextKey string

const userContextKey contextKey = "opsgate_user"

var (
	ErrUnauthenticated = apperr.New(apperr.KindAuth, "unauthenticated", "missing or invalid bearer token")
	ErrForbidden       = apperr.New(apperr.KindForbidden, "forbidden", "not allowed for this user")
)

func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userContextKey).(*User)
	return u, ok
}

func JWTMiddleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if h == "" || !strings.HasPrefix(h, "Bearer ") {
				httpx.WriteError(w, nil, ErrUnauthenticated)
				return
			}
			token := strings.TrimPrefix(h, "Bearer ")
			claims, err := svc.ParseToken(token)
			if err != nil {
				httpx.WriteError(w, nil, ErrUnauthenticated)
				return
			}
			user := &User{
				ID:        claims.UserID,
				Username:  claims.Username,
				Role:      claims.Role,
				CompanyID: claims.CompanyID,
			}
			ctx := WithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequireRole(next http.HandlerFunc, roles ...Role) http.HandlerFunc {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			httpx.WriteError(w, nil, ErrUnauthenticated)
			return
		}
		if _, ok := allowed[user.Role]; !ok {
			httpx.WriteError(w, nil, ErrForbidden)
			return
		}
		next(w, r)
	}
}

// CompanyFor resolves the company a request operates on. Non-MSP users are
// pinned to their own company; an explicit mismatch is forbidden.
func CompanyFor(u *User, requested string) (string, error) {
	if requested == "" {
		if u.Role == RoleMSPAdmin {
			return "", apperr.Validation("company_required", "company_id is required")
		}
		return u.CompanyID, nil
	}
	if !u.CanAccessCompany(requested) {
		return "", ErrForbidden
	}
	return requested, nil
}
