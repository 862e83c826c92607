// Package middleware provides the HTTP middleware in front of the
// tenantauth handlers.
//
// # Middleware Components
//
// RequestID: assigns a ULID to each request and seeds the context with
// the request id, client address and a request-scoped logger.
//
//	router.Use(middleware.RequestID(logger))
//
// Recovery: turns a handler panic into a logged 503.
//
//	router.Use(middleware.Recovery(logger))
//
// Authenticate: validates the Bearer access token and stores its claims.
// Rejected tokens and missing permissions are audited.
//
//	protected.Use(middleware.Authenticate(tokenService, recorder))
//	protected.Handle("/...", middleware.RequirePermission(rbac.MembersUpdateRole, recorder)(h))
//
// RateLimit: limits calls per client address. LocalRateLimiter keeps a
// token bucket per address in memory; RedisRateLimiter shares a fixed
// window across instances.
//
//	limiter := middleware.NewRedisRateLimiter(redisClient, cfg, "tenantauth:ratelimit")
//	authRoutes.Use(middleware.RateLimit(limiter, logger))
//
// # Related Packages
//
//   - pkg/tokens: access token validation
//   - pkg/contextkeys: request-scoped values
package middleware
