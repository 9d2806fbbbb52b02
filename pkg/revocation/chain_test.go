package revocation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevoke_MovesHead(t *testing.T) {
	c := New("genesis-hash")
	assert.Equal(t, "genesis-hash", c.Head())
	assert.True(t, c.IsValid("genesis-hash"))
	assert.False(t, c.WasRevoked("genesis-hash"))

	next, err := c.Revoke()
	require.NoError(t, err)
	assert.NotEqual(t, "genesis-hash", next)
	assert.Equal(t, next, c.Head())
	assert.Equal(t, 2, c.Depth())

	assert.False(t, c.IsValid("genesis-hash"))
	assert.True(t, c.WasRevoked("genesis-hash"))
	assert.True(t, c.IsValid(next))
	assert.False(t, c.WasRevoked(next))
	assert.False(t, c.WasRevoked("never-seen"))
}

func TestVerifyChain(t *testing.T) {
	c := New("genesis-hash")
	for i := 0; i < 3; i++ {
		_, err := c.Revoke()
		require.NoError(t, err)
	}
	require.NoError(t, c.VerifyChain())

	// Corrupt an intermediate link.
	c.links[2].Hash = "forged"
	assert.Error(t, c.VerifyChain())
}

func TestRoundTrip_LossyButHeadPreserving(t *testing.T) {
	c := New("genesis-hash")
	for i := 0; i < 4; i++ {
		_, err := c.Revoke()
		require.NoError(t, err)
	}
	head := c.Head()
	prev := c.links[len(c.links)-2].Hash

	raw, err := c.ToJSON()
	require.NoError(t, err)

	restored, err := FromJSON(raw)
	require.NoError(t, err)

	assert.Equal(t, head, restored.Head())
	assert.True(t, restored.IsValid(head))
	assert.True(t, restored.WasRevoked(prev))

	// Deep history does not survive the persisted form.
	assert.False(t, restored.WasRevoked("genesis-hash"))
}

func TestFromJSON_Invalid(t *testing.T) {
	_, err := FromJSON([]byte(`{`))
	assert.Error(t, err)
	_, err = FromJSON([]byte(`{"depth":0}`))
	assert.Error(t, err)
}
