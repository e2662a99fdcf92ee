// Package signing implements the canonical payload format and HMAC scheme
// shared by the signal engine and the risk gate. The canonical form is JSON
// with all object keys recursively sorted, compact separators, and UTF-8
// preserved (no HTML escaping); the signature field is excluded before
// signing. Both sides must produce byte-identical canonical payloads or
// verification fails.
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize renders v into canonical JSON. v may be a struct, a
// map, or raw JSON already decoded into generic types. A top-level
// "signature" key is removed.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return CanonicalizeRaw(raw)
}

// CanonicalizeRaw renders already-encoded JSON into canonical form. The
// round-trip through generic types normalises key order and whitespace so
// the result is stable regardless of how the source was produced.
func CanonicalizeRaw(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // keep numbers verbatim; float re-encoding would change bytes
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if m, ok := generic.(map[string]any); ok {
		delete(m, "signature")
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	default:
		return writeScalar(buf, v)
	}
}

func writeScalar(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode scalar: %w", err)
	}
	// Encode appends a newline; canonical form has none.
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		buf.Truncate(len(b) - 1)
	}
	return nil
}

// Sign returns the lowercase hex HMAC-SHA256 of the canonical payload.
func Sign(secret []byte, canonical []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignPayload canonicalizes v and signs it in one step.
func SignPayload(secret []byte, v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return Sign(secret, canonical), nil
}

// Verify checks a lowercase hex signature against the canonical form of the
// raw payload using a constant-time comparison.
func Verify(secret []byte, raw []byte, signature string) (bool, error) {
	canonical, err := CanonicalizeRaw(raw)
	if err != nil {
		return false, err
	}
	expected := Sign(secret, canonical)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1, nil
}
