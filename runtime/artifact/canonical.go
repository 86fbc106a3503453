package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// cacheKeySeparator joins the tool name and the canonical input bytes in
// cache key derivation. The unit separator cannot appear in a tool name, so
// distinct (name, input) pairs never collide by concatenation.
const cacheKeySeparator = 0x1f

// CanonicalJSON serializes v into the canonical form used for hashing and
// storage: object keys sorted bytewise, no insignificant whitespace, numbers
// in shortest round-trip form, timestamps as RFC 3339 UTC, and null object
// members omitted. Two semantically equal documents always produce identical
// bytes.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}

	doc, err = normalize(doc)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize rewrites a decoded JSON tree into its canonical value form:
// null object members are dropped and numbers are reduced to their shortest
// round-trip representation. Nulls inside arrays are positional and kept.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			if val == nil {
				out[i] = nil
				continue
			}
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case json.Number:
		return normalizeNumber(t)
	default:
		return v, nil
	}
}

// normalizeNumber keeps integer literals verbatim, which preserves integers
// beyond float64 precision, and re-encodes everything else as the shortest
// float64 form ("1.50" becomes "1.5", "1e3" becomes "1000").
func normalizeNumber(n json.Number) (json.Number, error) {
	if _, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return n, nil
	}
	f, err := n.Float64()
	if err != nil {
		return "", fmt.Errorf("number %q: %w", n, err)
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return json.Number(b), nil
}

// Hash returns the lowercase hex SHA-256 of the canonical JSON of v.
func Hash(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CacheKey derives the content-addressed cache key for a tool invocation:
// SHA-256 over the tool name, a 0x1F separator byte, and the canonical JSON
// of the input.
func CacheKey(toolName string, input any) (string, error) {
	b, err := CanonicalJSON(input)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{cacheKeySeparator})
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Serialize renders the artifact as canonical JSON. The output is the
// on-disk and on-wire form; serializing the same artifact twice yields
// identical bytes.
func Serialize(a *Artifact) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil artifact", ErrArtifactInvalid)
	}
	return CanonicalJSON(a)
}

// Deserialize parses and validates an artifact document. The document must
// carry the required identity fields, conform to the artifact schema, and
// declare a schema version this package can read. The returned artifact is
// sealed.
func Deserialize(data []byte) (*Artifact, error) {
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrArtifactInvalid, err)
	}
	if err := CheckSchemaVersion(a.SchemaVersion); err != nil {
		return nil, err
	}
	a.sealed = true
	return &a, nil
}
