// Package api provides the HTTP surface of tenantauth.
//
// # Architecture
//
// The API is built on gorilla/mux and organized into handler groups:
//
//   - Authentication: exchange, refresh, organization switch and logout
//   - Authorization: role assignment checks for member management
//   - Discovery: the JWKS document downstream services verify against
//   - Operations: health, readiness and Prometheus metrics
//
// # API Endpoints
//
//	POST /v1/auth/exchange              exchange an identity-provider token
//	POST /v1/auth/refresh               rotate a refresh token
//	POST /v1/auth/switch-organization   re-scope a session (Bearer)
//	POST /v1/auth/logout                revoke a refresh token family
//	POST /v1/authz/check-assignment     may the caller grant a role (Bearer)
//	GET  /.well-known/jwks.json
//	GET  /healthz
//	GET  /readyz
//	GET  /metrics
//
// # Errors
//
// Every error body is {"error": <reason>, "message": <text>}. Reasons are
// stable; messages are not. Infrastructure failures are 503 internal_error
// and never carry internal detail.
package api
