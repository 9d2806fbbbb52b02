// Package canonicalize provides deterministic JSON serialization for
// signing and hash-chaining of kernel records. Every signature and chain
// link in the system depends on byte-for-byte identical output, so all
// hashing routes through this package.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrUnrepresentable is returned when a value cannot be reduced to a
// canonical JSON form (cycles, channels, NaN floats and friends).
// Callers treat it as fatal: the surrounding operation must fail.
var ErrUnrepresentable = errors.New("canonicalize: value has no canonical form")

// Canonical returns the canonical JSON representation of v.
//
// Rules:
//  1. Object keys sorted lexicographically by UTF-8 bytes.
//  2. No insignificant whitespace, no HTML escaping.
//  3. Numbers pass through as json.Number where the input carries one,
//     otherwise standard shortest encoding/json formatting.
func Canonical(v interface{}) ([]byte, error) {
	// Marshal to intermediate JSON first so struct tags are respected,
	// then decode to a generic tree and re-marshal with canonical rules.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrepresentable, err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: intermediate decode: %v", ErrUnrepresentable, err)
	}

	return marshalRecursive(generic)
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v interface{}) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CanonicalHash returns the lower-case SHA-256 hex digest of the
// canonical JSON representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func marshalRecursive(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // signatures break if '<', '>' or '&' get escaped

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrepresentable, err)
		}
		// json.Encoder appends a newline
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []interface{}:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]interface{}:
		buf.Reset()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalRecursive(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		if err := enc.Encode(v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrepresentable, err)
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}
