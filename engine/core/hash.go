package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// writeStableJSON writes a canonical JSON-like representation of v into b.
// Object keys are sorted recursively so that logically equal payloads always
// produce identical bytes. Arrays preserve order.
func writeStableJSON(b *bytes.Buffer, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err == nil {
				b.Write(kb)
			} else {
				b.WriteString(`"`)
				b.WriteString(k)
				b.WriteString(`"`)
			}
			b.WriteByte(':')
			writeStableJSON(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeStableJSON(b, e)
		}
		b.WriteByte(']')
	default:
		bs, err := json.Marshal(t)
		if err == nil {
			b.Write(bs)
		} else {
			b.WriteString("null")
		}
	}
}

// IdentityHash returns a deterministic SHA-256 fingerprint over a named-task
// reference and its request context. Two requests with the same name and a
// logically equal context always hash the same, which is what the task
// deduplication check keys on.
func IdentityHash(name string, ctx Input) string {
	var b bytes.Buffer
	writeStableJSON(&b, map[string]any{
		"name":    name,
		"context": map[string]any(ctx),
	})
	sum := sha256.Sum256(b.Bytes())
	return hex.EncodeToString(sum[:])
}
