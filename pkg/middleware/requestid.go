package middleware

import (
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/platinummonkey/tenantauth/pkg/contextkeys"
	"github.com/platinummonkey/tenantauth/pkg/httputil"
	"github.com/platinummonkey/tenantauth/pkg/observability"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// RequestID assigns each request a ULID, reusing a well-formed incoming
// X-Request-ID. The id, client address, user agent and a request-scoped
// logger are placed in the context; the id is echoed in the response.
func RequestID(logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if _, err := ulid.ParseStrict(id); err != nil {
				id = ulid.Make().String()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := contextkeys.WithRequestID(r.Context(), id)
			ctx = contextkeys.WithClient(ctx, httputil.ClientIP(r), r.UserAgent())
			ctx = observability.WithRequestID(ctx, id)
			ctx = observability.WithLogger(ctx, observability.UpdateLoggerWithTraceContext(ctx, logger))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Recovery logs a handler panic with its stack and answers 503
func Recovery(logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer observability.RecoverPanicWithCallback(logger.WithField("path", r.URL.Path), "http handler", func(interface{}) {
				httputil.WriteInternalError(w)
			})
			next.ServeHTTP(w, r)
		})
	}
}
