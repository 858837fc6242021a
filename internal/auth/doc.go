// Package auth identifies the party behind each request.
//
// With a jwt_secret configured, requests carry an HS256 JWT whose sub claim
// is the party id, either as "Authorization: Bearer <token>" or, for
// websocket upgrades from browsers, as the ?token= query value. Tokens are
// issued with JWTVerifier.Generate (see "chat-gateway token").
//
// Without a secret the gateway runs in anonymous mode: the party id is taken
// from the X-Party-ID header or the ?party= query value. Use it for local
// development only.
//
// Authenticator.Middleware attaches an Identity to the request context;
// handlers read it with FromContext or PartyFromContext.
package auth
