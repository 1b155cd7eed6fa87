package auth

import (
	"context"

	"golang.org/x/oauth2"
)

// RefreshingTokenSource wraps oauth2's refresh-token grant for a provider,
// persisting the refreshed Credential back to disk on every rotation so a
// restart picks up the latest access token instead of repeating a login.
type RefreshingTokenSource struct {
	provider string
	inner    oauth2.TokenSource
}

// NewRefreshingTokenSource builds a TokenSource that refreshes through
// endpoint using refreshToken, saving each rotation under provider's
// credential file.
func NewRefreshingTokenSource(provider string, endpoint oauth2.Endpoint, clientID, refreshToken string, initial *oauth2.Token) *RefreshingTokenSource {
	conf := &oauth2.Config{
		ClientID: clientID,
		Endpoint: endpoint,
	}
	base := conf.TokenSource(context.Background(), &oauth2.Token{
		RefreshToken: refreshToken,
		AccessToken:  initial.AccessToken,
		Expiry:       initial.Expiry,
	})
	return &RefreshingTokenSource{provider: provider, inner: base}
}

// Token satisfies oauth2.TokenSource, persisting any freshly minted token.
func (s *RefreshingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.inner.Token()
	if err != nil {
		return nil, err
	}

	cred := &Credential{
		Provider:     s.provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	_ = SaveCredential(cred) // best-effort; a save failure shouldn't fail the call using the token
	return tok, nil
}
