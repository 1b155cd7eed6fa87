package providers

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/sipeed/picoclaw/pkg/auth"
)

// anthropicOAuthEndpoint and codexOAuthEndpoint are the token endpoints
// used to refresh an expired access token obtained through `picoclaw auth
// login`, mirroring each provider's public OAuth docs.
var (
	anthropicOAuthEndpoint = oauth2.Endpoint{TokenURL: "https://console.anthropic.com/v1/oauth/token"}
	codexOAuthEndpoint     = oauth2.Endpoint{TokenURL: "https://auth.openai.com/oauth/token"}

	anthropicOAuthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	codexOAuthClientID     = "app_EMoamEEZ73f0CkXaXp7hrann"
)

// oauthProvider wraps an HTTPProvider whose bearer token is refreshed from
// a TokenSource immediately before every Chat call, instead of a static
// API key. This backs the Codex (ChatGPT backend) adapter used when the
// OpenAI provider's AuthMethod is "oauth" or "token"; Claude OAuth goes
// through AnthropicNativeProvider instead.
type oauthProvider struct {
	base        *HTTPProvider
	accountID   string
	tokenSource oauth2.TokenSource
}

func newOAuthProvider(apiBase string, accountID string, ts oauth2.TokenSource, initialToken string) *oauthProvider {
	return &oauthProvider{
		base:        NewHTTPProvider(initialToken, apiBase),
		accountID:   accountID,
		tokenSource: ts,
	}
}

func (p *oauthProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	tok, err := p.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("oauth provider: refresh token: %w", err)
	}
	p.base.apiKey = tok.AccessToken
	return p.base.Chat(ctx, messages, tools, model, options)
}

func (p *oauthProvider) GetDefaultModel() string {
	return p.base.GetDefaultModel()
}

// NewCodexProviderWithTokenSource builds the native Codex/ChatGPT OAuth
// adapter; accountID identifies the ChatGPT account the ChatGPT-backend
// API routes the request to.
func NewCodexProviderWithTokenSource(initialAccessToken, accountID string, ts oauth2.TokenSource) LLMProvider {
	return newOAuthProvider("https://chatgpt.com/backend-api/codex", accountID, ts, initialAccessToken)
}

// createClaudeTokenSource builds the refresh-capable TokenSource backing
// the Claude OAuth provider, reading the current refresh token from the
// stored credential.
func createClaudeTokenSource() oauth2.TokenSource {
	cred, err := auth.GetCredential("anthropic")
	if err != nil || cred == nil {
		return oauth2.StaticTokenSource(&oauth2.Token{})
	}
	return auth.NewRefreshingTokenSource("anthropic", anthropicOAuthEndpoint, anthropicOAuthClientID, cred.RefreshToken, &oauth2.Token{
		AccessToken: cred.AccessToken,
		Expiry:      cred.ExpiresAt,
	})
}

// createCodexTokenSource is createClaudeTokenSource's Codex/OpenAI
// counterpart.
func createCodexTokenSource() oauth2.TokenSource {
	cred, err := auth.GetCredential("openai")
	if err != nil || cred == nil {
		return oauth2.StaticTokenSource(&oauth2.Token{})
	}
	return auth.NewRefreshingTokenSource("openai", codexOAuthEndpoint, codexOAuthClientID, cred.RefreshToken, &oauth2.Token{
		AccessToken: cred.AccessToken,
		Expiry:      cred.ExpiresAt,
	})
}
