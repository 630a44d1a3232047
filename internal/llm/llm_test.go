package llm

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateHistory(t *testing.T) {
	assert.Error(t, validateHistory(nil))
	assert.Error(t, validateHistory([]Turn{
		{Role: RoleUser, Content: "q"},
		{Role: RoleAssistant, Content: "a"},
	}))
	assert.NoError(t, validateHistory([]Turn{
		{Role: RoleUser, Content: "q"},
	}))
}

func TestMockEmbed(t *testing.T) {
	m := NewMock(8, rand.NewSource(1))
	ctx := context.Background()

	vec, err := m.Embed(ctx, "some text")
	require.NoError(t, err)
	assert.Len(t, vec, 8)

	t.Run("reproducible under a fixed seed", func(t *testing.T) {
		a, err := NewMock(8, rand.NewSource(1)).Embed(ctx, "some text")
		require.NoError(t, err)
		assert.Equal(t, vec, a)
	})

	t.Run("empty text is an embedding error", func(t *testing.T) {
		_, err := m.Embed(ctx, "   ")
		var embErr *EmbeddingError
		assert.ErrorAs(t, err, &embErr)
	})
}

func TestMockComplete(t *testing.T) {
	m := NewMock(4, rand.NewSource(1))
	ctx := context.Background()

	reply, err := m.Complete(ctx, "system", []Turn{{Role: RoleUser, Content: "hello"}})
	require.NoError(t, err)
	assert.Contains(t, reply, "hello")

	_, err = m.Complete(ctx, "system", nil)
	assert.Error(t, err)
}
