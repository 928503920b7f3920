package service

import (
	"context"
	"fmt"

	"github.com/kiroku-app/kiroku-api/internal/models"
	"github.com/kiroku-app/kiroku-api/pkg/jwks"
)

const (
	googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	appleJWKSURL  = "https://appleid.apple.com/auth/keys"
)

// IdentityClaims is the verified subject of a federated sign-in token.
type IdentityClaims struct {
	Subject string
	Email   string
}

// IdentityVerifier validates Google and Apple identity tokens.
type IdentityVerifier interface {
	Verify(ctx context.Context, provider models.AuthProvider, token string) (*IdentityClaims, error)
}

// JWKSIdentityVerifier resolves signing keys from each provider's published
// JWK set.
type JWKSIdentityVerifier struct {
	client         *jwks.Client
	googleAudience string
	appleAudience  string
}

// NewJWKSIdentityVerifier builds a verifier. Audiences are the OAuth client
// ids the mobile app signs in with; empty means the aud claim is not pinned.
func NewJWKSIdentityVerifier(client *jwks.Client, googleAudience, appleAudience string) *JWKSIdentityVerifier {
	if client == nil {
		client = jwks.NewClient(nil)
	}
	return &JWKSIdentityVerifier{client: client, googleAudience: googleAudience, appleAudience: appleAudience}
}

// Verify checks the identity token against the provider's key set and issuer.
func (v *JWKSIdentityVerifier) Verify(ctx context.Context, provider models.AuthProvider, token string) (*IdentityClaims, error) {
	var (
		url  string
		opts jwks.VerifyOptions
	)
	switch provider {
	case models.ProviderGoogle:
		url = googleJWKSURL
		opts = jwks.VerifyOptions{
			ExpectedAudience: v.googleAudience,
			ExpectedIssuers:  []string{"accounts.google.com", "https://accounts.google.com"},
		}
	case models.ProviderApple:
		url = appleJWKSURL
		opts = jwks.VerifyOptions{
			ExpectedAudience: v.appleAudience,
			ExpectedIssuers:  []string{"https://appleid.apple.com"},
		}
	default:
		return nil, fmt.Errorf("unsupported identity provider %q", provider)
	}

	claims, err := v.client.Verify(ctx, token, url, opts)
	if err != nil {
		return nil, err
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, fmt.Errorf("identity token has no subject")
	}
	email, _ := claims["email"].(string)
	return &IdentityClaims{Subject: subject, Email: email}, nil
}
