package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DefaultUsernameClaim maps an ID token onto users.username
const DefaultUsernameClaim = "preferred_username"

// OIDCConfig configures bearer ID token authentication
type OIDCConfig struct {
	IssuerURL     string
	ClientID      string
	UsernameClaim string
	// UseUserInfo asks the provider's userinfo endpoint when the claim is
	// absent from the ID token
	UseUserInfo bool
}

// OIDCAuthenticator accepts ID tokens from an external identity provider and
// maps them onto local users. It never creates users: an unknown subject is
// an invalid token.
type OIDCAuthenticator struct {
	verifier *oidc.IDTokenVerifier
	provider *oidc.Provider
	users    *UserStore
	claim    string
}

// NewOIDCAuthenticator discovers the provider at cfg.IssuerURL
func NewOIDCAuthenticator(ctx context.Context, cfg OIDCConfig, users *UserStore) (*OIDCAuthenticator, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, errors.New("OIDC issuer URL and client ID are required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	a := NewOIDCAuthenticatorWithVerifier(provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), users, cfg.UsernameClaim)
	if cfg.UseUserInfo {
		a.provider = provider
	}
	return a, nil
}

// NewOIDCAuthenticatorWithVerifier builds an authenticator around an existing
// verifier, e.g. one over a static key set
func NewOIDCAuthenticatorWithVerifier(verifier *oidc.IDTokenVerifier, users *UserStore, claim string) *OIDCAuthenticator {
	if claim == "" {
		claim = DefaultUsernameClaim
	}
	return &OIDCAuthenticator{verifier: verifier, users: users, claim: claim}
}

// Authenticate verifies rawToken and loads the user it names
func (a *OIDCAuthenticator) Authenticate(ctx context.Context, rawToken string) (*AuthContext, error) {
	idToken, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	username, _ := claims[a.claim].(string)
	if username == "" && a.provider != nil {
		username, err = a.userInfoClaim(ctx, rawToken)
		if err != nil {
			return nil, err
		}
	}
	if username == "" {
		return nil, fmt.Errorf("%w: missing %s claim", ErrInvalidToken, a.claim)
	}

	user, err := a.users.GetByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return &AuthContext{User: user}, nil
}

func (a *OIDCAuthenticator) userInfoClaim(ctx context.Context, rawToken string) (string, error) {
	info, err := a.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: rawToken}))
	if err != nil {
		return "", fmt.Errorf("failed to fetch userinfo: %w", err)
	}
	var claims map[string]interface{}
	if err := info.Claims(&claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	username, _ := claims[a.claim].(string)
	return username, nil
}

// Authenticator resolves a bearer token to its owner
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*AuthContext, error)
}

// BearerAuthenticator sends campus API tokens to the token manager and every
// other bearer token to the identity provider, when one is configured
type BearerAuthenticator struct {
	Tokens Authenticator
	OIDC   Authenticator
}

// Authenticate implements Authenticator
func (b *BearerAuthenticator) Authenticate(ctx context.Context, token string) (*AuthContext, error) {
	if strings.HasPrefix(token, TokenPrefix) || b.OIDC == nil {
		return b.Tokens.Authenticate(ctx, token)
	}
	return b.OIDC.Authenticate(ctx, token)
}
