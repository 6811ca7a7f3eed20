package identity

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rcourtman/memorial-studio/internal/logging"
)

type idTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCResolver authenticates bearer OIDC ID tokens from an external identity
// provider and maps them onto users by verified email.
type OIDCResolver struct {
	verifier idTokenVerifier
	users    Users
}

// NewOIDCResolver discovers issuer and verifies tokens issued for clientID.
func NewOIDCResolver(ctx context.Context, issuer, clientID string, users Users) (*OIDCResolver, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider %s: %w", issuer, err)
	}
	return &OIDCResolver{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		users:    users,
	}, nil
}

type oidcClaims struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Resolve implements Resolver.
func (o *OIDCResolver) Resolve(r *http.Request) (string, bool) {
	raw := bearerToken(r)
	if raw == "" {
		return "", false
	}
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	token, err := o.verifier.Verify(ctx, raw)
	if err != nil {
		logger.Debug().Err(err).Msg("OIDC token rejected")
		return "", false
	}

	var claims oidcClaims
	if err := token.Claims(&claims); err != nil {
		logger.Debug().Err(err).Msg("OIDC claims decode failed")
		return "", false
	}
	email := strings.TrimSpace(claims.Email)
	if email == "" || (claims.EmailVerified != nil && !*claims.EmailVerified) {
		return "", false
	}

	user, err := o.users.UpsertUserByEmail(ctx, email, claims.Name, claims.Picture)
	if err != nil {
		logger.Error().Err(err).Msg("OIDC user upsert failed")
		return "", false
	}
	if user == nil {
		return "", false
	}
	return user.ID, true
}
