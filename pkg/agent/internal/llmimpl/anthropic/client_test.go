package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent/llm"
)

func TestNormalizeExtractsSystemPrompt(t *testing.T) {
	system, msgs, err := normalize([]llm.CompletionMessage{
		llm.NewSystemMessage("you are an executor"),
		llm.NewUserMessage("write main.py"),
	})
	require.NoError(t, err)
	assert.Equal(t, "you are an executor", system)
	require.Len(t, msgs, 1)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
}

func TestNormalizeMergesConsecutiveUserTurns(t *testing.T) {
	system, msgs, err := normalize([]llm.CompletionMessage{
		llm.NewSystemMessage("a"),
		llm.NewSystemMessage("b"),
		llm.NewUserMessage("first"),
		llm.NewUserMessage("second"),
	})
	require.NoError(t, err)
	assert.Equal(t, "a\n\nb", system)
	require.Len(t, msgs, 1)
	assert.Equal(t, "first\n\nsecond", msgs[0].Content)
}

func TestNormalizeKeepsAlternation(t *testing.T) {
	_, msgs, err := normalize([]llm.CompletionMessage{
		llm.NewUserMessage("propose a tree"),
		llm.NewAssistantMessage("{...}"),
		llm.NewUserMessage("revise it"),
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, llm.RoleUser, msgs[2].Role)
}

func TestNormalizeRejectsEmptyOrSystemOnly(t *testing.T) {
	_, _, err := normalize(nil)
	assert.Error(t, err)

	_, _, err = normalize([]llm.CompletionMessage{llm.NewSystemMessage("only system")})
	assert.Error(t, err)
}

func TestNormalizeRejectsAssistantEdges(t *testing.T) {
	_, _, err := normalize([]llm.CompletionMessage{
		llm.NewAssistantMessage("I speak first"),
		llm.NewUserMessage("then me"),
	})
	assert.Error(t, err)

	_, _, err = normalize([]llm.CompletionMessage{
		llm.NewUserMessage("question"),
		llm.NewAssistantMessage("answer"),
	})
	assert.Error(t, err)
}

func TestModelName(t *testing.T) {
	client := New("key", "claude-sonnet-4-5")
	assert.Equal(t, "claude-sonnet-4-5", client.ModelName())
}
