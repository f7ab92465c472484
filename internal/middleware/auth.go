package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
)

// HeaderAuth returns middleware that requires a shared header value. The
// config never holds the value itself, only its hex SHA-256; the presented
// value is hashed and compared in constant time. Use the hash-tool binary
// to generate the hash.
func HeaderAuth(headerName, headerValueHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(headerName)
			if presented == "" {
				unauthorized(w)
				return
			}

			sum := sha256.Sum256([]byte(presented))
			presentedHash := hex.EncodeToString(sum[:])
			if subtle.ConstantTimeCompare([]byte(presentedHash), []byte(headerValueHash)) != 1 {
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"success":false,"error":"unauthorized"}`)) //nolint:errcheck
}
