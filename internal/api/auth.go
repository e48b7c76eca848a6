package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/MrWong99/ghostvoice/internal/observe"
)

// publicPaths are served without an API key.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// requireAPIKey rejects requests that carry none of keys. The key is read
// from "Authorization: Bearer", then X-API-Key. Call streams may also pass
// it as the api_key query parameter since browser websockets cannot set
// headers. An empty key list disables the check.
func requireAPIKey(keys []string) func(http.Handler) http.Handler {
	valid := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			valid = append(valid, []byte(k))
		}
	}
	return func(next http.Handler) http.Handler {
		if len(valid) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] || keyAllowed(valid, presentedKey(r)) {
				next.ServeHTTP(w, r)
				return
			}
			observe.Logger(r.Context()).Warn("api key rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="ghostvoice"`)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid or missing API key"})
		})
	}
}

func presentedKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/stream") {
		return r.URL.Query().Get("api_key")
	}
	return ""
}

// keyAllowed compares against every key so the time taken does not reveal
// which one matched.
func keyAllowed(valid [][]byte, key string) bool {
	if key == "" {
		return false
	}
	got := []byte(key)
	ok := 0
	for _, v := range valid {
		ok |= subtle.ConstantTimeCompare(v, got)
	}
	return ok == 1
}
