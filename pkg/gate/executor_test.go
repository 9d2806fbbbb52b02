package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoExecutor() ToolExecutor {
	return ExecutorFunc(func(ctx context.Context, tool string, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"tool": tool, "args": args}, nil
	})
}

func TestStrictDispatcher_Allowlist(t *testing.T) {
	d := NewStrictDispatcher(echoExecutor())
	ctx := context.Background()

	_, err := d.Execute(ctx, "read_file", map[string]interface{}{"path": "/tmp/x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowlisted")

	require.NoError(t, d.AllowTool("read_file", ""))
	out, err := d.Execute(ctx, "read_file", map[string]interface{}{"path": "/tmp/x"})
	require.NoError(t, err)
	assert.Equal(t, "read_file", out["tool"])
}

func TestStrictDispatcher_SchemaValidation(t *testing.T) {
	d := NewStrictDispatcher(echoExecutor())
	ctx := context.Background()

	schema := `{
		"type": "object",
		"required": ["amount"],
		"properties": {
			"amount": {"type": "integer", "minimum": 1},
			"currency": {"type": "string", "pattern": "^[A-Z]{3}$"}
		},
		"additionalProperties": false
	}`
	require.NoError(t, d.AllowTool("payment:transfer", schema))

	_, err := d.Execute(ctx, "payment:transfer", map[string]interface{}{"amount": 100, "currency": "USD"})
	assert.NoError(t, err)

	_, err = d.Execute(ctx, "payment:transfer", map[string]interface{}{"currency": "USD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "params rejected")

	_, err = d.Execute(ctx, "payment:transfer", map[string]interface{}{"amount": 100, "extra": true})
	assert.Error(t, err)
}

func TestStrictDispatcher_BadSchema(t *testing.T) {
	d := NewStrictDispatcher(echoExecutor())
	assert.Error(t, d.AllowTool("x", `{"type": 12}`))
}

func TestStrictDispatcher_ClearSchema(t *testing.T) {
	d := NewStrictDispatcher(echoExecutor())
	require.NoError(t, d.AllowTool("x", `{"type":"object","required":["k"]}`))

	_, err := d.Execute(context.Background(), "x", map[string]interface{}{})
	require.Error(t, err)

	// Re-allowing without a schema drops the validation.
	require.NoError(t, d.AllowTool("x", ""))
	_, err = d.Execute(context.Background(), "x", map[string]interface{}{})
	assert.NoError(t, err)
}
