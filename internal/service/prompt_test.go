package service

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"studymate-go/internal/config"
	"studymate-go/internal/model"
	"studymate-go/pkg/llm"
)

func chunk(id string, score float64, text string) RetrievedChunk {
	return RetrievedChunk{ChunkID: id, DocumentName: "cells.pdf", Text: text, Score: score}
}

func TestComposeOrdersChunksByScore(t *testing.T) {
	c := NewPromptComposer(config.LLMPromptConfig{Rules: "Use the context.", MaxChars: 2000})
	p := c.Compose("What is mitosis?", []RetrievedChunk{
		chunk("1-0", 0.2, "Photosynthesis happens in chloroplasts."),
		chunk("1-1", 0.9, "Mitosis divides the nucleus."),
	}, nil)

	require.Len(t, p.Messages, 2)
	assert.Equal(t, []string{"1-1", "1-0"}, p.Sources)
	assert.True(t, p.Grounded())
	system := p.Messages[0].Content
	assert.True(t, strings.HasPrefix(system, "Use the context.\n\n<context>\n[1] (cells.pdf) Mitosis"))
	assert.Contains(t, system, "[2] (cells.pdf) Photosynthesis")
	assert.True(t, strings.HasSuffix(system, "</context>"))
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "What is mitosis?"}, p.Messages[1])
}

func TestComposeWithoutChunksUsesUngroundedRule(t *testing.T) {
	c := NewPromptComposer(config.LLMPromptConfig{Rules: "grounded rule", UngroundedRule: "general rule", MaxChars: 500})
	p := c.Compose("Hi there", nil, nil)

	assert.False(t, p.Grounded())
	assert.Empty(t, p.Sources)
	assert.Contains(t, p.Messages[0].Content, "general rule")
	assert.Contains(t, p.Messages[0].Content, "(no course material retrieved)")
	assert.NotContains(t, p.Messages[0].Content, "grounded rule")
}

func TestComposeStaysWithinBudget(t *testing.T) {
	var chunks []RetrievedChunk
	for i := 0; i < 20; i++ {
		chunks = append(chunks, chunk(fmt.Sprintf("1-%d", i), float64(20-i), strings.Repeat("cell biology ", 40)))
	}
	var history []model.Message
	for i := 0; i < 10; i++ {
		history = append(history,
			model.Message{Sender: model.SenderUser, Content: strings.Repeat("question ", 20)},
			model.Message{Sender: model.SenderAssistant, Content: strings.Repeat("answer ", 30)},
		)
	}

	for _, budget := range []int{50, 300, 1200, 5000} {
		c := NewPromptComposer(config.LLMPromptConfig{Rules: "Answer from context only.", MaxChars: budget, HistoryTurns: 4})
		p := c.Compose(strings.Repeat("why ", 100), chunks, history)
		assert.LessOrEqual(t, p.Len(), budget, "budget %d", budget)
		assert.Equal(t, p, c.Compose(strings.Repeat("why ", 100), chunks, history), "deterministic for budget %d", budget)
	}
}

func TestComposeTruncatesLastChunk(t *testing.T) {
	c := NewPromptComposer(config.LLMPromptConfig{MaxChars: 400})
	p := c.Compose("q", []RetrievedChunk{
		chunk("1-0", 0.9, strings.Repeat("a", 150)),
		chunk("1-1", 0.8, strings.Repeat("b", 400)),
	}, nil)

	assert.Equal(t, []string{"1-0", "1-1"}, p.Sources)
	assert.Contains(t, p.Messages[0].Content, "b…\n")
	assert.LessOrEqual(t, p.Len(), 400)
}

func TestComposeHistoryKeepsRecentAndSkipsFailedTurns(t *testing.T) {
	c := NewPromptComposer(config.LLMPromptConfig{MaxChars: 2000, HistoryTurns: 2})
	history := []model.Message{
		{Sender: model.SenderUser, Content: "ancient question"},
		{Sender: model.SenderAssistant, Content: "ancient answer"},
		{Sender: model.SenderUser, Content: "old question"},
		{Sender: model.SenderAssistant, Content: "old answer"},
		// 早期记录的失败轮次，问题仍是 answered
		{Sender: model.SenderUser, Content: "What is photosynthesis?"},
		{Sender: model.SenderAssistant, Content: FailureNotice, Status: model.MessageFailed},
		{Sender: model.SenderUser, Content: "recent question"},
		{Sender: model.SenderAssistant, Content: "recent answer"},
		{Sender: model.SenderUser, Content: "Why do leaves change colour?", Status: model.MessageFailed},
		{Sender: model.SenderAssistant, Content: FailureNotice, Status: model.MessageFailed},
	}
	p := c.Compose("What is mitosis?", nil, history)

	require.Len(t, p.Messages, 6)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "old question"}, p.Messages[1])
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: "old answer"}, p.Messages[2])
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "recent question"}, p.Messages[3])
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: "recent answer"}, p.Messages[4])
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "What is mitosis?"}, p.Messages[5])
	for i := 1; i < len(p.Messages); i++ {
		assert.NotEqual(t, p.Messages[i-1].Role, p.Messages[i].Role, "roles must alternate at %d", i)
	}
}

func TestClassifyQuestion(t *testing.T) {
	scope := model.NewScope(nil, []model.Document{{ID: 1}})

	assert.Equal(t, DecisionRetrieve, ClassifyQuestion("What is mitosis?", scope))
	assert.Equal(t, DecisionSkip, ClassifyQuestion("Hello! Thanks.", scope))
	assert.Equal(t, DecisionSkip, ClassifyQuestion("What is it?", scope))
	assert.Equal(t, DecisionSkip, ClassifyQuestion("What is mitosis?", model.EmptyScope(nil)))
	assert.Equal(t, "RETRIEVE", DecisionRetrieve.String())
	assert.Equal(t, "SKIP", DecisionSkip.String())
}

func TestTitleFrom(t *testing.T) {
	assert.Equal(t, "short", titleFrom("short"))
	long := strings.Repeat("细", 120)
	title := titleFrom(long)
	assert.Equal(t, 100, len([]rune(title)))
	assert.True(t, strings.HasSuffix(title, "..."))
}
