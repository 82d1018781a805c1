package providers

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/answerlens/engine/core"
)

// schemaReply is the fixed structured-response shape every adapter validates
// against (§4.3): a single JSON object with "answer" required, "citations"
// and "meta" optional, no additional top-level properties permitted.
type schemaReply struct {
	Answer    string          `json:"answer"`
	Citations []string        `json:"citations,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// allowedSchemaKeys enforces "no additional top-level properties" by
// decoding into a raw map first and checking its key set.
var allowedSchemaKeys = map[string]bool{"answer": true, "citations": true, "meta": true}

// StripFence removes a leading ```json (or ```) fence and its matching
// trailing fence, if present, per §4.3 "the body may arrive inside a fenced
// code block".
func StripFence(body string) string {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "```") {
		return body
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimPrefix(trimmed, "\n")
	trimmed = strings.TrimSuffix(strings.TrimRight(trimmed, "\n"), "```")
	return strings.TrimSpace(trimmed)
}

// ParseReply validates raw against the §4.3 schema. On success it returns the
// parsed object as core.JSONValue plus the plain answer text and the JSON's
// own citations (not yet merged with provider-specific channels). On parse or
// schema failure it falls back to a synthesized object per §4.3: the
// fallback never fails the unit by itself, so ok=false only communicates
// "this was a fallback", not an error to propagate.
func ParseReply(raw string, logger core.Logger) (parsed core.JSONValue, text string, citations []string, ok bool) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}

	stripped := StripFence(raw)

	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripped), &generic); err != nil {
		logger.Warn("provider reply schema validation failed", map[string]interface{}{
			"reason": "not a json object",
			"error":  err.Error(),
		})
		return fallback(raw, "not a json object: "+err.Error())
	}
	for key := range generic {
		if !allowedSchemaKeys[key] {
			logger.Warn("provider reply schema validation failed", map[string]interface{}{
				"reason": "unexpected top-level property",
				"key":    key,
			})
			return fallback(raw, "unexpected top-level property: "+key)
		}
	}

	var reply schemaReply
	if err := json.Unmarshal([]byte(stripped), &reply); err != nil {
		logger.Warn("provider reply schema validation failed", map[string]interface{}{
			"reason": "shape mismatch",
			"error":  err.Error(),
		})
		return fallback(raw, "shape mismatch: "+err.Error())
	}
	if _, hasAnswer := generic["answer"]; !hasAnswer {
		logger.Warn("provider reply schema validation failed", map[string]interface{}{
			"reason": "missing required answer field",
		})
		return fallback(raw, "missing required field: answer")
	}

	obj := map[string]interface{}{"answer": reply.Answer}
	if reply.Citations != nil {
		obj["citations"] = reply.Citations
	} else {
		obj["citations"] = []string{}
	}
	if len(reply.Meta) > 0 {
		var meta interface{}
		if err := json.Unmarshal(reply.Meta, &meta); err == nil {
			obj["meta"] = meta
		}
	}

	return core.NewJSONValue(toJSONValueTree(obj)), reply.Answer, reply.Citations, true
}

func fallback(raw, reason string) (core.JSONValue, string, []string, bool) {
	obj := map[string]interface{}{
		"answer":    raw,
		"citations": []string{},
		"meta":      map[string]interface{}{"validation_error": reason},
	}
	return core.NewJSONValue(toJSONValueTree(obj)), raw, nil, false
}

// toJSONValueTree round-trips through encoding/json so nested maps/slices
// become the map[string]JSONValue / []JSONValue shape core.JSONValue expects
// internally (mirroring core.JSONValue.UnmarshalJSON's own wrap step).
func toJSONValueTree(v interface{}) interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var jv core.JSONValue
	if err := json.Unmarshal(b, &jv); err != nil {
		return v
	}
	return jv.Raw()
}

// isHTTPURL validates http(s)-only citation URLs per I6.
func isHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// NormalizeCitations gathers citations from the parsed JSON body (which take
// precedence in ordering, §4.3) and any provider-specific side channel,
// de-duplicates preserving stability, and filters to http(s)-only URLs (I6).
func NormalizeCitations(fromJSON []string, fromChannel ...string) []string {
	seen := make(map[string]bool, len(fromJSON)+len(fromChannel))
	out := make([]string, 0, len(fromJSON)+len(fromChannel))
	for _, c := range append(append([]string{}, fromJSON...), fromChannel...) {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] || !isHTTPURL(c) {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
