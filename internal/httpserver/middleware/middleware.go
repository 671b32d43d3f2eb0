// Package middleware holds the HTTP middlewares wrapped around the gateway routes.
package middleware

import (
	"fmt"
	"net/http"

	"github.com/davidbz/corebridge/internal/config"
	"github.com/davidbz/corebridge/internal/observability"
)

// Middleware wraps an http.Handler with additional functionality.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares; the first one is the outermost wrapper.
//
//	handler := Chain(CORS(corsConfig), Trace(), Recover())(mux)
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Recover turns a handler panic into a 500 and logs it with the request context.
// Headers already sent on a stream cannot be replaced, so only the log remains.
func Recover() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				recovered := recover()
				if recovered == nil {
					return
				}
				if recovered == http.ErrAbortHandler {
					panic(recovered)
				}

				observability.FromContext(r.Context()).Error("handler panicked",
					observability.String("panic", fmt.Sprint(recovered)),
					observability.String("path", r.URL.Path),
				)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// BuildMiddlewareChain composes the middleware chain for production.
// Order matters: CORS -> Trace -> Recover, so panics are logged with request ids.
func BuildMiddlewareChain(corsConfig *config.CORSConfig) Middleware {
	return Chain(
		CORS(corsConfig),
		Trace(),
		Recover(),
	)
}
