// Package middleware carries the HTTP middleware shared by every route.
package middleware

import "net/http"

// CORS allows browser clients to reach the gateway from any origin and
// exposes the session and resumption headers both wire variants use.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Session-Id, Last-Event-Id")
		w.Header().Set("Access-Control-Expose-Headers", "X-Session-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
