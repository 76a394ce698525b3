// Package canonical produces a deterministic JSON encoding: object keys are
// sorted lexicographically at every nesting depth, output is compact, and
// numbers keep the exact text of their first encoding. The same input always
// yields the same bytes, which makes the encoding suitable for hashing and
// signing. Used by the manifest signer and the tick simulator.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Marshal returns the canonical encoding of v.
//
// The value is first encoded with encoding/json, then decoded into generic
// maps with json.Number preserving number text, and re-encoded. Generic maps
// are emitted with sorted keys, so struct field order and map iteration order
// never leak into the output.
func Marshal(v any) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	// Encoder appends a newline; the canonical form has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Digest returns the lowercase hex SHA-256 of the canonical encoding of v.
func Digest(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
