// Package auth provides bearer-token authentication for parley-gateway.
//
// # Tokens
//
// Clients authenticate with JWT tokens signed with HS256 using the
// configured jwt_secret. The token's sub claim identifies the caller.
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("alice", 30*24*time.Hour)
//	subject, err := verifier.Verify(token)
//
// # HTTP Middleware
//
// HTTPAuthMiddleware wraps handlers with bearer-token verification.
// Credentials come from the Authorization header, or from a token query
// parameter for browser WebSocket clients that cannot set headers:
//
//	Authorization: Bearer <token>
//	GET /ws?token=<token>
//
// On success the verified subject is attached to the request context and
// can be read with FromContext. With a nil verifier the middleware is a
// pass-through, which is how the gateway runs when no jwt_secret is
// configured.
package auth
