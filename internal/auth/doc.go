// Package auth provides JWT-based authentication for operators.
//
// Tokens are HS256-signed JWTs carrying the operator ID in the "sub" claim.
// HTTPAuthMiddleware guards the REST API; the websocket handshake reuses
// Authenticate directly since browsers cannot set headers on websocket
// upgrade requests.
package auth
