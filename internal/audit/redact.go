package audit

import (
	"bytes"
	"encoding/json"
	"strings"

	"golang.org/x/text/cases"
)

// sensitiveKeys are snapshot fields never written to the trail, matched
// exactly. Keys are compared after case folding and removal of '_' and '-'.
var sensitiveKeys = []string{
	"authorization",
	"pin",
	"salt",
}

// sensitiveStems redact any key that starts or ends with them, so that
// hashed_password, password_digest and session_token are caught as well.
var sensitiveStems = []string{
	"password",
	"passwd",
	"motdepasse",
	"token",
	"secret",
	"apikey",
	"credential",
	"otp",
	"privatekey",
}

var (
	keyStrip = strings.NewReplacer("_", "", "-", "")
	denylist = normalizeAll(sensitiveKeys)
	stems    = normalizeAll(sensitiveStems)
)

func normalizeAll(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[normalizeKey(k)] = struct{}{}
	}
	return set
}

// A Caser is stateful, so each call gets its own.
func normalizeKey(key string) string {
	return cases.Fold().String(keyStrip.Replace(key))
}

// IsSensitiveKey reports whether a snapshot field must be redacted.
func IsSensitiveKey(key string) bool {
	norm := normalizeKey(key)
	if _, ok := denylist[norm]; ok {
		return true
	}
	for stem := range stems {
		if strings.HasPrefix(norm, stem) || strings.HasSuffix(norm, stem) {
			return true
		}
	}
	return false
}

// Redact replaces the values of sensitive fields anywhere in value.
// Maps and slices are walked recursively; other values are returned as is.
func Redact(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			if IsSensitiveKey(key) {
				out[key] = RedactedValue
				continue
			}
			out[key] = Redact(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = Redact(inner)
		}
		return out
	default:
		return value
	}
}

// RedactJSON applies Redact to a JSON document. Documents that fail to parse
// are replaced wholesale so raw input never reaches the trail.
func RedactJSON(raw json.RawMessage) json.RawMessage {
	if isEmptySnapshot(raw) {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		out, _ := json.Marshal(RedactedValue)
		return out
	}
	out, err := json.Marshal(Redact(decoded))
	if err != nil {
		out, _ = json.Marshal(RedactedValue)
	}
	return out
}

// Snapshot encodes an entity state for an audit entry. Nil, including a typed
// nil pointer, yields no snapshot so the column stays SQL NULL.
func Snapshot(state any) json.RawMessage {
	if state == nil {
		return nil
	}
	if raw, ok := state.(json.RawMessage); ok {
		if isEmptySnapshot(raw) {
			return nil
		}
		return raw
	}
	out, err := json.Marshal(state)
	if err != nil {
		out, _ = json.Marshal(RedactedValue)
	}
	if isEmptySnapshot(out) {
		return nil
	}
	return out
}

func isEmptySnapshot(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
