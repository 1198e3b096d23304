package upstream

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ModelFromBody extracts the model field from a request body without a full
// JSON decode.
func ModelFromBody(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}

// IsStreaming reports whether the request asked for a streaming response.
func IsStreaming(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// RewriteModel replaces the model field, returning the body unchanged when
// the field is absent or the rewrite fails.
func RewriteModel(body []byte, target string) []byte {
	if !gjson.GetBytes(body, "model").Exists() {
		return body
	}
	out, err := sjson.SetBytes(body, "model", target)
	if err != nil {
		return body
	}
	return out
}

// TokenUsage sums the token counters a provider reports on a non-streaming
// response body. All fields are best-effort; a missing field counts as zero.
// Covers the Anthropic shape (usage.input_tokens / output_tokens), the
// OpenAI and Qwen shape (usage.prompt_tokens / completion_tokens), and the
// Gemini shape (usageMetadata.promptTokenCount / candidatesTokenCount).
func TokenUsage(body []byte) int64 {
	if u := gjson.GetBytes(body, "usage"); u.Exists() {
		in := u.Get("input_tokens").Int() + u.Get("prompt_tokens").Int()
		out := u.Get("output_tokens").Int() + u.Get("completion_tokens").Int()
		return in + out
	}
	if u := gjson.GetBytes(body, "usageMetadata"); u.Exists() {
		return u.Get("promptTokenCount").Int() + u.Get("candidatesTokenCount").Int()
	}
	return 0
}
