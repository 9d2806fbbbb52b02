// Package schema validates exported kernel records against their JSON
// Schemas. The event log import path runs documents through here before
// trusting their shape. Tool parameter checks in the gate's
// StrictDispatcher compile their own per-tool schemas and do not use
// this package.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Kind names an embedded schema.
type Kind string

// Embedded schema kinds.
const (
	KindEvent   Kind = "event"
	KindMandate Kind = "mandate"
	KindReceipt Kind = "receipt"
)

var (
	mu       sync.Mutex
	compiled = make(map[Kind]*jsonschema.Schema)
)

func schemaFor(kind Kind) (*jsonschema.Schema, error) {
	mu.Lock()
	defer mu.Unlock()

	if s, ok := compiled[kind]; ok {
		return s, nil
	}

	raw, err := schemaFS.ReadFile(fmt.Sprintf("schemas/%s.schema.json", kind))
	if err != nil {
		return nil, fmt.Errorf("unknown schema kind %q: %w", kind, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://sovereign-stack.schemas.local/%s.schema.json", kind)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}
	compiled[kind] = s
	return s, nil
}

// Validate checks doc (any JSON-representable value) against the schema
// of the given kind.
func Validate(kind Kind, doc interface{}) error {
	s, err := schemaFor(kind)
	if err != nil {
		return err
	}

	// Normalize through JSON so structs and typed maps validate the same
	// as decoded wire documents.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("document not serializable: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("document not decodable: %w", err)
	}

	if err := s.Validate(generic); err != nil {
		return fmt.Errorf("%s schema violation: %w", kind, err)
	}
	return nil
}

// ValidateJSON checks a raw JSON document against the schema of the
// given kind.
func ValidateJSON(kind Kind, raw []byte) error {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("document not decodable: %w", err)
	}
	s, err := schemaFor(kind)
	if err != nil {
		return err
	}
	if err := s.Validate(generic); err != nil {
		return fmt.Errorf("%s schema violation: %w", kind, err)
	}
	return nil
}
