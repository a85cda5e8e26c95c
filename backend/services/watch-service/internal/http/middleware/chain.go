// Package middleware holds the HTTP wrappers: authentication of internal endpoints, panic
// recovery, access logging and per-client rate limiting.
package middleware

import "net/http"

// Chain wraps h so that the first middleware is the outermost.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
