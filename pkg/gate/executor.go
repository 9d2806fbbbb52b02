package gate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// StrictDispatcher is a ToolExecutor that enforces an allowlist and,
// where provided, a compiled JSON Schema over tool parameters before
// delegating to the next executor. It computes no hashes: the canonical
// request hash of a proposed call is the mirror entry's RequestHash.
type StrictDispatcher struct {
	mu      sync.RWMutex
	allowed map[string]bool
	schemas map[string]*jsonschema.Schema
	next    ToolExecutor
}

// NewStrictDispatcher creates a dispatcher with an empty allowlist.
func NewStrictDispatcher(next ToolExecutor) *StrictDispatcher {
	return &StrictDispatcher{
		allowed: make(map[string]bool),
		schemas: make(map[string]*jsonschema.Schema),
		next:    next,
	}
}

// AllowTool adds a tool to the allowlist, optionally with a JSON Schema
// its parameters must satisfy.
func (d *StrictDispatcher) AllowTool(name string, schema string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.allowed[name] = true
	if schema == "" {
		delete(d.schemas, name)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://sovereign-stack.schemas.local/tools/%s.schema.json", name)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("tool schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("tool schema compile failed: %w", err)
	}
	d.schemas[name] = compiled
	return nil
}

// Execute enforces the allowlist and schema, then delegates.
func (d *StrictDispatcher) Execute(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
	d.mu.RLock()
	allowed := d.allowed[tool]
	compiled := d.schemas[tool]
	d.mu.RUnlock()

	if !allowed {
		return nil, fmt.Errorf("tool not allowlisted: %s", tool)
	}
	if compiled != nil {
		generic := make(map[string]interface{}, len(args))
		for k, v := range args {
			generic[k] = v
		}
		if err := compiled.Validate(normalize(generic)); err != nil {
			return nil, fmt.Errorf("tool params rejected: %w", err)
		}
	}
	return d.next.Execute(ctx, tool, args)
}

// normalize converts typed values to the generic JSON forms the schema
// validator expects.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
