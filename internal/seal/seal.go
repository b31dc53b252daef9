// Package seal canonicalizes policy documents and produces deterministic
// content hashes. Identical documents always hash identically, independent
// of map key insertion order; that determinism is what makes later drift
// detectable.
package seal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"stagegate/internal/domain"
)

const (
	// HashAlg is recorded alongside every hash for forward compatibility.
	HashAlg = "sha256"
	// hashWidth is the truncated hex width of stored hashes.
	hashWidth = 32
)

// Seal canonicalizes doc and returns an Integrity record over it. The signed
// flag is reserved for a future signature path and is always false here.
func Seal(doc map[string]any, now time.Time) (domain.Integrity, error) {
	hash, err := Hash(doc)
	if err != nil {
		return domain.Integrity{}, err
	}
	return domain.Integrity{
		Signed:     false,
		Hash:       hash,
		HashAlg:    HashAlg,
		CompiledAt: now.UTC().Format(time.RFC3339),
	}, nil
}

// Hash returns the truncated hex SHA-256 of the canonical encoding of doc.
func Hash(doc any) (string, error) {
	encoded, err := Canonical(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])[:hashWidth], nil
}

// Canonical encodes value as JSON with keys sorted lexicographically at every
// nesting level and no insignificant whitespace.
func Canonical(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case json.RawMessage:
		buf.Write(v)
		return nil
	case map[string]any:
		return appendCanonicalMap(buf, v)
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = val
		}
		return appendCanonicalMap(buf, out)
	case []any:
		return appendCanonicalSlice(buf, v)
	case []string:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = val
		}
		return appendCanonicalSlice(buf, out)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode canonical json: %w", err)
		}
		buf.Write(encoded)
		return nil
	}
}

func appendCanonicalMap(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, _ := json.Marshal(k)
		buf.Write(keyBytes)
		buf.WriteByte(':')
		if err := appendCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func appendCanonicalSlice(buf *bytes.Buffer, items []any) error {
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := appendCanonical(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}
