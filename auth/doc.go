// Package auth verifies the bearer tokens a CarePrep client attaches to
// backend calls. Tokens are ID tokens minted by the identity provider (RS256
// JWTs) and the verifier returns the subject together with its email and
// display name claims.
//
// The public surface stays small: an Authenticator validates a bearer token
// string and returns a UserInfo (or an error wrapping ErrUnauthorized).
// Callers extract the token from the HTTP request with BearerToken and map
// failures to a challenge built by NewInvalidTokenChallenge.
//
// # Constructors
//
// NewFromDiscovery learns the JWKS location through OpenID Connect
// discovery. SecurityConfig.NewManualJWTAuthenticator uses a fixed JWKS URL
// and SecurityConfig.NewJWKSAuthenticator takes a JWKS document directly,
// which is how the in-process identity provider is wired to the fake
// backend:
//
//	authn, err := auth.SecurityConfig{
//	    Issuer:    idp.Issuer(),
//	    Audiences: []string{idp.Audience()},
//	}.NewJWKSAuthenticator(idp.JWKS())
//	if err != nil { log.Fatal(err) }
//
//	ui, err := authn.CheckAuthentication(r.Context(), bearerToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 */ }
//
// # Algorithms & Clock Skew
//
// By default only RS256 is accepted. Use WithAllowedAlgs to broaden the set.
// WithLeeway adds tolerance for clock skew when validating exp/iat.
package auth
