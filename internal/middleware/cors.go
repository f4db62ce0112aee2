package middleware

import "net/http"

const (
	corsAllowMethods = "POST, OPTIONS"
	corsAllowHeaders = "authorization, x-client-info, apikey, content-type, stripe-signature, signature"
)

// SetCORSHeaders writes the permissive CORS headers used by the webhook endpoint.
func SetCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
}

// CORS attaches the CORS headers to every response and answers preflight
// OPTIONS requests with 204 without calling next.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetCORSHeaders(w.Header())
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
