package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOSCTitleKindALastMessage(t *testing.T) {
	p := Extract([]byte("\x1b]0;✳ Refactoring module\x07"))
	require.NotNil(t, p.LastMessage)
	require.Equal(t, "Refactoring module", *p.LastMessage)
	require.NotNil(t, p.WaitingForInput)
	require.False(t, *p.WaitingForInput)
}

func TestOSCTitleKindAWaitingForInput(t *testing.T) {
	p := Extract([]byte("\x1b]0;✳ Claude Code\x07"))
	require.NotNil(t, p.WaitingForInput)
	require.True(t, *p.WaitingForInput)
	require.Nil(t, p.LastMessage)
}

func TestOSCTitleKindBModel(t *testing.T) {
	p := Extract([]byte("\x1b]2;GitHub Copilot\x07"))
	require.NotNil(t, p.Model)
	require.Equal(t, "GitHub Copilot", *p.Model)
}

func TestDimPromptTypeAtSetsWaiting(t *testing.T) {
	p := Extract([]byte("\x1b[2mType @ to add files\x1b[22m"))
	require.NotNil(t, p.WaitingForInput)
	require.True(t, *p.WaitingForInput)
}

func TestDimPromptIgnoresBoxDrawingDash(t *testing.T) {
	p := Extract([]byte("\x1b[2m──────────────\x1b[22m"))
	require.Nil(t, p.LastMessage)
}

func TestModelAndContextUsed(t *testing.T) {
	p := Extract([]byte("using sonnet-4.5 model, 37% context used"))
	require.NotNil(t, p.Model)
	require.Equal(t, "Sonnet 4.5", *p.Model)
	require.NotNil(t, p.ContextUsed)
	require.Equal(t, "37%", *p.ContextUsed)
}

func TestCopilotInputPromptSetsLastMessage(t *testing.T) {
	p := Extract([]byte("❯ \x1b[39mfix the bug in parser.go"))
	require.NotNil(t, p.LastMessage)
	require.Equal(t, "fix the bug in parser.go", *p.LastMessage)
}

func TestBareCopilotPromptSetsWaiting(t *testing.T) {
	p := Extract([]byte("some output\n❯ "))
	require.NotNil(t, p.WaitingForInput)
	require.True(t, *p.WaitingForInput)
}

func TestThinkingFallback(t *testing.T) {
	p := Extract([]byte("the assistant is thinking about this"))
	require.NotNil(t, p.LastMessage)
	require.Equal(t, "Thinking...", *p.LastMessage)
	require.False(t, *p.WaitingForInput)
}

func TestThinkingFallbackDoesNotOverrideEarlierRule(t *testing.T) {
	p := Extract([]byte("\x1b]0;✳ already thinking about something\x07"))
	require.NotNil(t, p.LastMessage)
	require.Equal(t, "already thinking about something", *p.LastMessage)
}
