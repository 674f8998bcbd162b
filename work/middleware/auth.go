package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"iptv-relay/work/logger"
	"iptv-relay/work/utils"

	"golang.org/x/crypto/bcrypt"
)

// AdminKeyHeader carries the admin key on admin requests.
const AdminKeyHeader = "X-Auth-Key"

// AdminAuth guards admin routes. When hash is set the header is checked
// against it with bcrypt, otherwise it must equal key.
func AdminAuth(key, hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validAdminKey(r.Header.Get(AdminKeyHeader), key, hash) {
				logger.Warn("{middleware/auth - AdminAuth} rejected admin request from %s to %s", utils.ClientIP(r), r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validAdminKey(given, key, hash string) bool {
	if given == "" {
		return false
	}
	if hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(given)) == nil
	}
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(key)) == 1
}
