// Package jsonpeephole rewrites and reads single well-known JSON fields
// without a full parse, falling back to encoding/json only when the
// fast path is ambiguous or absent.
package jsonpeephole

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
)

// modelFieldRe matches a top-level-looking "model":"..." field. It is
// intentionally conservative: it only fires once, on the first match, and
// InjectModel falls back to a full parse whenever the match looks ambiguous
// (e.g. more than one candidate occurrence).
var modelFieldRe = regexp.MustCompile(`"model"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// InjectModel rewrites the top-level "model" field to newModel. When the
// field appears exactly once it is rewritten byte-for-byte in place,
// preserving surrounding whitespace and field order. When it appears more
// than once (ambiguous), is absent, or the body is not well-formed enough
// for the regex to safely apply, it falls back to a full parse + rewrite.
func InjectModel(body []byte, newModel string) (out []byte, modified bool, err error) {
	matches := modelFieldRe.FindAllSubmatchIndex(body, 2)

	switch len(matches) {
	case 1:
		m := matches[0]
		valueStart, valueEnd := m[2], m[3]
		escaped := escapeJSONString(newModel)
		if string(body[valueStart:valueEnd]) == escaped {
			return body, false, nil
		}
		out = make([]byte, 0, len(body)+len(escaped))
		out = append(out, body[:valueStart]...)
		out = append(out, escaped...)
		out = append(out, body[valueEnd:]...)
		return out, true, nil

	case 0:
		// Field absent: fall back to a full parse so we can add it.
		return fullParseInjectModel(body, newModel)

	default:
		// More than one candidate occurrence: ambiguous, defer to full parse
		// so only the genuine top-level field is touched.
		return fullParseInjectModel(body, newModel)
	}
}

func fullParseInjectModel(body []byte, newModel string) ([]byte, bool, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		// Cannot safely rewrite; return the original body unchanged and
		// surface the error so the caller can decide what to do.
		return body, false, err
	}
	if existing, ok := doc["model"].(string); ok && existing == newModel {
		return body, false, nil
	}
	doc["model"] = newModel

	out, err := json.Marshal(doc)
	if err != nil {
		return body, false, err
	}
	return out, true, nil
}

func escapeJSONString(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// totalTokensRe matches the OpenAI-shaped "usage":{...,"total_tokens":N,...}.
var totalTokensRe = regexp.MustCompile(`"usage"\s*:\s*\{[^{}]*"total_tokens"\s*:\s*(\d+)`)

// TokenResult is the outcome of an extraction attempt.
type TokenResult struct {
	Tokens       int64
	Found        bool
	UsedFullParse bool
}

// ExtractTokens looks for usage.total_tokens (OpenAI shape) via a cheap
// regex first. If that misses, it falls back to a full parse recognizing
// either the OpenAI shape or the Anthropic shape
// (usage.input_tokens + usage.output_tokens).
func ExtractTokens(body []byte) TokenResult {
	if m := totalTokensRe.FindSubmatch(body); m != nil {
		if n, err := strconv.ParseInt(string(m[1]), 10, 64); err == nil {
			return TokenResult{Tokens: n, Found: true, UsedFullParse: false}
		}
	}

	var doc struct {
		Usage struct {
			TotalTokens  *int64 `json:"total_tokens"`
			InputTokens  *int64 `json:"input_tokens"`
			OutputTokens *int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return TokenResult{UsedFullParse: true}
	}
	if doc.Usage.TotalTokens != nil {
		return TokenResult{Tokens: *doc.Usage.TotalTokens, Found: true, UsedFullParse: true}
	}
	if doc.Usage.InputTokens != nil || doc.Usage.OutputTokens != nil {
		var total int64
		if doc.Usage.InputTokens != nil {
			total += *doc.Usage.InputTokens
		}
		if doc.Usage.OutputTokens != nil {
			total += *doc.Usage.OutputTokens
		}
		return TokenResult{Tokens: total, Found: true, UsedFullParse: true}
	}
	return TokenResult{UsedFullParse: true}
}
