package forwarder

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/routegate/routegate/internal/constant"
)

func TestBuildProxyURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		base    string
		reqPath string
		query   string
		want    string
	}{
		{
			name:    "base already ends at the endpoint root",
			base:    "https://x.com/openai/responses",
			reqPath: "/v1/responses",
			want:    "https://x.com/openai/responses",
		},
		{
			name:    "suffix beyond the root is appended",
			base:    "https://x.com/api/v1/messages",
			reqPath: "/v1/messages/count_tokens",
			want:    "https://x.com/api/v1/messages/count_tokens",
		},
		{
			name:    "bare origin concatenates the request path",
			base:    "https://api.anthropic.com",
			reqPath: "/v1/messages",
			want:    "https://api.anthropic.com/v1/messages",
		},
		{
			name:    "base path prefix concatenates",
			base:    "https://gw.example.com/anthropic",
			reqPath: "/v1/messages",
			want:    "https://gw.example.com/anthropic/v1/messages",
		},
		{
			name:    "request path extending the base keeps it",
			base:    "https://x.com/v1",
			reqPath: "/v1/chat/completions",
			want:    "https://x.com/v1/chat/completions",
		},
		{
			name:    "chat completions root wins over trailing slash",
			base:    "https://x.com/v1/chat/completions/",
			reqPath: "/v1/chat/completions",
			want:    "https://x.com/v1/chat/completions",
		},
		{
			name:    "query string is carried over",
			base:    "https://x.com",
			reqPath: "/v1beta/models/gemini-2.5-pro:generateContent",
			query:   "alt=sse",
			want:    "https://x.com/v1beta/models/gemini-2.5-pro:generateContent?alt=sse",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, BuildProxyURL(tc.base, tc.reqPath, tc.query))
		})
	}
}

// Joining twice must not duplicate path segments: the first join's output
// used as a base has to survive a second pass unchanged.
func TestBuildProxyURLIdempotent(t *testing.T) {
	t.Parallel()
	bases := []string{
		"https://x.com",
		"https://x.com/openai",
		"https://x.com/openai/responses",
		"https://x.com/api/v1/messages",
		"https://x.com/v1/chat/completions",
	}
	for _, providerType := range ProviderTypes {
		for _, preview := range PreviewProxyURLs(providerType) {
			for _, base := range bases {
				once := BuildProxyURL(base, preview.Path, "")
				twice := BuildProxyURL(once, preview.Path, "")
				require.Equal(t, once, twice, "base=%s path=%s", base, preview.Path)
			}
		}
	}
}

func TestPreviewProxyURLsCoverAllTypes(t *testing.T) {
	t.Parallel()
	for _, providerType := range ProviderTypes {
		require.NotEmpty(t, PreviewProxyURLs(providerType), providerType)
	}
	require.Nil(t, PreviewProxyURLs("smoke-signal"))
}
