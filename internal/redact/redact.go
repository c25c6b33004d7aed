// Package redact irreversibly strips user text out of request/response
// payloads before they reach durable storage, leaving only a length and a
// content digest behind.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

const redactedText = "<redacted>"

// sensitiveKeys are the map keys whose values are always redacted by the
// generic recursive walk, even when the value isn't a string (e.g. a list
// of content blocks).
var sensitiveKeys = map[string]bool{
	"content":      true,
	"input":        true,
	"text":         true,
	"instructions": true,
}

// Sha256Hex returns the lowercase hex SHA-256 digest of s.
func Sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ChatPayload redacts a chat.completions request body: each message is
// reduced to its role plus the sentinel, with content_len/content_sha256
// recorded over the original content. Non-string content (multimodal
// block arrays) is digested over a deterministic JSON rendering, so
// nothing inside the blocks survives either; all other message fields are
// dropped — tool arguments and names can carry user text too. Top-level
// content/input/text/instructions fields are redacted the same way
// ResponsesPayload redacts them.
func ChatPayload(payload map[string]any) map[string]any {
	out := shallowCopy(payload)
	for k, v := range payload {
		if sensitiveKeys[k] {
			out[k] = redactAny(v)
		}
	}
	msgs, ok := payload["messages"].([]any)
	if !ok {
		return out
	}
	redacted := make([]any, 0, len(msgs))
	for _, m := range msgs {
		mm, ok := m.(map[string]any)
		if !ok {
			continue
		}
		entry := map[string]any{
			"role":    mm["role"],
			"content": redactedText,
		}
		switch content := mm["content"].(type) {
		case nil:
		case string:
			entry["content_len"] = len(content)
			entry["content_sha256"] = Sha256Hex(content)
		default:
			rendered := deterministicRender(content)
			entry["content_len"] = len(rendered)
			entry["content_sha256"] = Sha256Hex(rendered)
		}
		redacted = append(redacted, entry)
	}
	out["messages"] = redacted
	return out
}

// ResponsesPayload recursively redacts a Responses-API request body: any
// string reachable under the keys {content, input, text, instructions} is
// replaced by {redacted:true, len, sha256}; everything else is walked
// unchanged.
func ResponsesPayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if sensitiveKeys[k] {
			out[k] = redactAny(v)
			continue
		}
		out[k] = walk(v)
	}
	return out
}

// redactAny converts v into its redacted sentinel shape: strings become
// {redacted:true,len,sha256}; lists recurse element-wise; maps recurse
// key-wise (still forcing sensitive keys through redactAny); anything else
// passes through unchanged.
func redactAny(v any) any {
	switch t := v.(type) {
	case string:
		return map[string]any{
			"redacted": true,
			"len":      len(t),
			"sha256":   Sha256Hex(t),
		}
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactAny(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			if sensitiveKeys[k] {
				out[k] = redactAny(e)
				continue
			}
			out[k] = walk(e)
		}
		return out
	default:
		return t
	}
}

// walk recurses into lists/maps without forcing redaction, only applying
// it when a sensitive key is encountered along the way.
func walk(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = walk(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			if sensitiveKeys[k] {
				out[k] = redactAny(e)
				continue
			}
			out[k] = walk(e)
		}
		return out
	default:
		return t
	}
}

// ResultSummary reduces an arbitrary result object to
// {sha256 of a deterministic rendering, sorted top-level string keys} —
// never the original text, so it is safe to persist even though it
// describes a successful provider response.
func ResultSummary(result map[string]any) map[string]any {
	keys := make([]string, 0, len(result))
	for k, v := range result {
		if _, ok := v.(string); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	rendered := deterministicRender(result)
	return map[string]any{
		"sha256": Sha256Hex(rendered),
		"keys":   keys,
	}
}

// deterministicRender produces a stable string rendering of an arbitrary
// JSON-like value by marshaling map keys in sorted order (encoding/json
// already sorts map[string]any keys), so the digest is reproducible.
func deterministicRender(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
