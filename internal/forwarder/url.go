package forwarder

import (
	"net/url"
	"strings"

	. "github.com/routegate/routegate/internal/constant"
)

// endpointRoots are the path segments the smart join recognizes as an API
// endpoint already present in a configured base URL. Longest match first so
// /chat/completions wins over /completions-shaped bases.
var endpointRoots = []string{
	"/chat/completions",
	"/responses",
	"/messages",
	"/models",
}

// BuildProxyURL composes the upstream URL from a configured base and the
// request path. Rules, in order:
//
//  1. The request path equals or extends the base path: keep the base
//     origin and use the request path as-is.
//  2. The base already ends with a known endpoint root (bare or as
//     /v1{root}): append only the request path's suffix beyond that root.
//     A base that already carries the full root+suffix is returned
//     unchanged, which makes the join idempotent.
//  3. Otherwise concatenate base path and request path.
//
// The query string is attached verbatim.
func BuildProxyURL(base, reqPath, rawQuery string) string {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Scheme == "" {
		return attachQuery(strings.TrimRight(base, "/")+reqPath, rawQuery)
	}
	basePath := strings.TrimRight(u.Path, "/")
	origin := u.Scheme + "://" + u.Host

	path := joinPaths(basePath, reqPath)
	return attachQuery(origin+path, rawQuery)
}

func joinPaths(basePath, reqPath string) string {
	if basePath == "" || reqPath == basePath || strings.HasPrefix(reqPath, basePath+"/") {
		return reqPath
	}
	if root, suffix := splitEndpointRoot(reqPath); root != "" {
		if strings.HasSuffix(basePath, root+suffix) {
			return basePath
		}
		if strings.HasSuffix(basePath, root) {
			return basePath + suffix
		}
	}
	return basePath + reqPath
}

// splitEndpointRoot finds the known endpoint root inside a request path and
// returns it with the trailing suffix, e.g. /v1/messages/count_tokens ->
// ("/messages", "/count_tokens").
func splitEndpointRoot(reqPath string) (root, suffix string) {
	for _, candidate := range endpointRoots {
		idx := strings.Index(reqPath, candidate)
		if idx < 0 {
			continue
		}
		rest := reqPath[idx+len(candidate):]
		if rest == "" || strings.HasPrefix(rest, "/") {
			return candidate, rest
		}
	}
	return "", ""
}

func attachQuery(target, rawQuery string) string {
	if rawQuery == "" {
		return target
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + rawQuery
}

// PreviewURL is one endpoint an admin UI would preview for a provider.
type PreviewURL struct {
	Key  string `json:"key"`
	Path string `json:"path"`
}

// PreviewProxyURLs lists the request paths the gateway can send to a
// provider of the given type. The paths feed BuildProxyURL against the
// provider's configured base.
func PreviewProxyURLs(providerType string) []PreviewURL {
	switch providerType {
	case TypeClaude, TypeClaudeAuth:
		return []PreviewURL{
			{Key: "messages", Path: "/v1/messages"},
			{Key: "count_tokens", Path: "/v1/messages/count_tokens"},
		}
	case TypeCodex:
		return []PreviewURL{
			{Key: "responses", Path: "/v1/responses"},
		}
	case TypeOpenAICompatible:
		return []PreviewURL{
			{Key: "chat_completions", Path: "/v1/chat/completions"},
			{Key: "models", Path: "/v1/models"},
		}
	case TypeGemini:
		return []PreviewURL{
			{Key: "generate", Path: "/v1beta/models/{model}:generateContent"},
			{Key: "stream", Path: "/v1beta/models/{model}:streamGenerateContent"},
			{Key: "count_tokens", Path: "/v1beta/models/{model}:countTokens"},
		}
	case TypeGeminiCLI:
		return []PreviewURL{
			{Key: "generate", Path: "/v1internal:generateContent"},
			{Key: "stream", Path: "/v1internal:streamGenerateContent"},
			{Key: "count_tokens", Path: "/v1internal:countTokens"},
		}
	default:
		return nil
	}
}
