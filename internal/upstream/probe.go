package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiSDK "github.com/openai/openai-go/v3"
	openaiopt "github.com/openai/openai-go/v3/option"
	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-relay/internal/model"
	"github.com/nulpointcorp/llm-relay/internal/pool"
)

// Probes returns the per-provider validation calls used by the health
// prober. Each probe lists models with the account's own credentials, the
// cheapest authenticated call every provider offers.
func Probes(httpClient *http.Client) map[model.Provider]pool.ProbeFunc {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return map[model.Provider]pool.ProbeFunc{
		model.ProviderAnthropic: probeAnthropic(httpClient),
		model.ProviderOpenAI:    probeOpenAI(httpClient),
		model.ProviderGemini:    probeGemini(httpClient),
		model.ProviderQwen:      probeQwen(httpClient),
	}
}

func probeAnthropic(httpClient *http.Client) pool.ProbeFunc {
	return func(ctx context.Context, a *model.UpstreamAccount, creds *model.Credentials) error {
		opts := []anthropicopt.RequestOption{
			anthropicopt.WithHTTPClient(httpClient),
		}
		if creds.BaseURL != "" {
			opts = append(opts, anthropicopt.WithBaseURL(creds.BaseURL))
		}
		if a.AuthMethod == model.AuthOAuth {
			opts = append(opts,
				anthropicopt.WithAuthToken(creds.AccessToken),
				anthropicopt.WithHeader("anthropic-beta", anthropicOAuthBeta),
				anthropicopt.WithHeader("User-Agent", cliUserAgent),
			)
		} else {
			opts = append(opts, anthropicopt.WithAPIKey(creds.APIKey))
		}

		client := anthropic.NewClient(opts...)
		_, err := client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
		if err != nil {
			return fmt.Errorf("anthropic probe: %w", err)
		}
		return nil
	}
}

func probeOpenAI(httpClient *http.Client) pool.ProbeFunc {
	return func(ctx context.Context, a *model.UpstreamAccount, creds *model.Credentials) error {
		token := creds.APIKey
		if a.AuthMethod == model.AuthOAuth {
			token = creds.AccessToken
		}
		opts := []openaiopt.RequestOption{
			openaiopt.WithAPIKey(token),
			openaiopt.WithHTTPClient(httpClient),
		}
		if creds.BaseURL != "" {
			opts = append(opts, openaiopt.WithBaseURL(creds.BaseURL))
		}

		client := openaiSDK.NewClient(opts...)
		if _, err := client.Models.List(ctx); err != nil {
			return fmt.Errorf("openai probe: %w", err)
		}
		return nil
	}
}

func probeGemini(httpClient *http.Client) pool.ProbeFunc {
	return func(ctx context.Context, a *model.UpstreamAccount, creds *model.Credentials) error {
		cfg := &genai.ClientConfig{
			APIKey:     creds.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: httpClient,
		}
		if creds.BaseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: creds.BaseURL}
		}
		client, err := genai.NewClient(ctx, cfg)
		if err != nil {
			return fmt.Errorf("gemini probe: %w", err)
		}
		if _, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
			return fmt.Errorf("gemini probe: %w", err)
		}
		return nil
	}
}

// probeQwen hits the OpenAI-compatible models endpoint directly; no
// dedicated SDK exists for the DashScope compatible mode.
func probeQwen(httpClient *http.Client) pool.ProbeFunc {
	return func(ctx context.Context, a *model.UpstreamAccount, creds *model.Credentials) error {
		base := "https://dashscope.aliyuncs.com/compatible-mode/v1"
		if creds.BaseURL != "" {
			base = creds.BaseURL
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/models", nil)
		if err != nil {
			return fmt.Errorf("qwen probe: %w", err)
		}
		token := creds.APIKey
		if a.AuthMethod == model.AuthOAuth {
			token = creds.AccessToken
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("qwen probe: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("qwen probe: status %d", resp.StatusCode)
		}
		return nil
	}
}
