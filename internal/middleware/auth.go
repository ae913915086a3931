package middleware

import (
	"net/http"
	"strings"

	"github.com/zhouzirui/promptdeck/backend/internal/auth"
	"github.com/zhouzirui/promptdeck/backend/pkg/utils"
)

// tokenQueryParam carries the token for clients that cannot set headers,
// such as EventSource and browser websockets.
const tokenQueryParam = "access_token"

// Authenticate 解析 Bearer token，并把对应用户写入请求上下文。无效或缺失的
// token 不会被拒绝，交给 RequireAuth 决定。
func Authenticate(verifier *auth.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user, ok := verifier.Verify(bearerToken(r)); ok {
				r = r.WithContext(auth.WithUser(r.Context(), user))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth 拒绝没有登录用户的请求。
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.FromContext(r.Context()); !ok {
			utils.RespondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get(tokenQueryParam)
}
