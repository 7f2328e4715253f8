package identity

import "context"

// ExternalIdentity is what a provider vouches for after a successful
// sign-in.
type ExternalIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
}

// ExternalVerifier turns a provider assertion (an OAuth authorization code,
// an ID token, ...) into a verified identity. Implementations return an
// error wrapping apperr.ErrProviderVerificationFailed on rejection.
type ExternalVerifier interface {
	Provider() string
	Verify(ctx context.Context, assertion string) (ExternalIdentity, error)
}
