package upstream

import "strings"

// Resolve maps an inbound request path prefix to the upstream it targets.
// "/v1/..." and bare paths are OpenAI-shaped; "/anthropic/..." is
// Anthropic-shaped, with the prefix stripped before forwarding.
func Resolve(requestPath string, openai, anthropic Target) (target Target, upstreamPath string) {
	if rest, ok := strings.CutPrefix(requestPath, "/anthropic"); ok {
		if rest == "" {
			rest = "/"
		}
		return anthropic, rest
	}
	return openai, requestPath
}
