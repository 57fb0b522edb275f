package adminapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	fleeterrors "github.com/vinayprograms/fleetlink/errors"
)

// requireJWT rejects requests without a bearer token signed with secret
// (HMAC). Expiry and not-before claims are enforced when present.
func (s *Server) requireJWT(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, http.StatusUnauthorized, string(fleeterrors.ErrCodeInvalidInput), "authorization header missing")
				return
			}
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeError(w, http.StatusUnauthorized, string(fleeterrors.ErrCodeInvalidInput), "authorization must be a bearer token")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				s.logger.Warn("admin_auth_rejected", map[string]interface{}{
					"method": r.Method,
					"path":   r.URL.Path,
					"error":  err,
				})
				writeError(w, http.StatusUnauthorized, string(fleeterrors.ErrCodeInvalidInput), "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
