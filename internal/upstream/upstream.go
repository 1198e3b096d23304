// Package upstream describes the four supported providers: outbound base
// URLs, per-provider authentication headers, health probes, and the
// passthrough body helpers (model rewrite, token usage extraction).
package upstream

import (
	"net/http"

	"github.com/nulpointcorp/llm-relay/internal/model"
)

const (
	anthropicVersion = "2023-06-01"
	// anthropicOAuthBeta is required on OAuth-authenticated calls.
	anthropicOAuthBeta = "oauth-2025-04-20"
	// cliUserAgent mimics the first-party CLI, which OAuth tokens are scoped to.
	cliUserAgent = "claude-cli/1.0.119 (external, cli)"
)

// Descriptor holds the static outbound shape of one provider.
type Descriptor struct {
	Provider model.Provider
	// BaseURL is the scheme+host prefix; inbound paths are appended verbatim.
	BaseURL string
}

var descriptors = map[model.Provider]Descriptor{
	model.ProviderAnthropic: {Provider: model.ProviderAnthropic, BaseURL: "https://api.anthropic.com"},
	model.ProviderOpenAI:    {Provider: model.ProviderOpenAI, BaseURL: "https://api.openai.com"},
	model.ProviderGemini:    {Provider: model.ProviderGemini, BaseURL: "https://generativelanguage.googleapis.com"},
	model.ProviderQwen:      {Provider: model.ProviderQwen, BaseURL: "https://dashscope.aliyuncs.com"},
}

// ForProvider returns the descriptor for p.
func ForProvider(p model.Provider) (Descriptor, bool) {
	d, ok := descriptors[p]
	return d, ok
}

// Endpoint builds the outbound URL for an inbound path. A per-account base
// URL override in the credentials wins over the provider default.
func (d Descriptor) Endpoint(creds *model.Credentials, path, rawQuery string) string {
	base := d.BaseURL
	if creds != nil && creds.BaseURL != "" {
		base = creds.BaseURL
	}
	u := base + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// Authorize sets the provider-specific authentication on an outbound
// request. Gemini API keys ride in the query string; everything else uses
// headers.
func (d Descriptor) Authorize(req *http.Request, method model.AuthMethod, creds *model.Credentials) {
	switch d.Provider {
	case model.ProviderAnthropic:
		req.Header.Set("anthropic-version", anthropicVersion)
		if method == model.AuthOAuth {
			req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
			req.Header.Set("anthropic-beta", anthropicOAuthBeta)
			req.Header.Set("User-Agent", cliUserAgent)
		} else {
			req.Header.Set("x-api-key", creds.APIKey)
		}

	case model.ProviderGemini:
		if method == model.AuthOAuth {
			req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
			return
		}
		q := req.URL.Query()
		q.Set("key", creds.APIKey)
		req.URL.RawQuery = q.Encode()

	default: // openai, qwen
		token := creds.APIKey
		if method == model.AuthOAuth {
			token = creds.AccessToken
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
