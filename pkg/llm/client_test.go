package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"studymate-go/internal/config"
	"studymate-go/internal/model"
)

func newTestClient(t *testing.T, timeout time.Duration, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(context.Background(), config.LLMConfig{
		Provider: "openai",
		BaseURL:  srv.URL,
		Model:    "test-llm",
		Timeout:  timeout,
		Generation: config.LLMGenerationConfig{
			Temperature: 0.2,
		},
	})
	require.NoError(t, err)
	return c
}

var question = []Message{
	{Role: RoleSystem, Content: "Answer from context."},
	{Role: RoleUser, Content: "What is mitosis?"},
}

func TestGenerateReturnsContent(t *testing.T) {
	c := newTestClient(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "test-llm", req.Model)
		require.NotNil(t, req.Temperature)
		assert.InDelta(t, 0.2, *req.Temperature, 1e-9)
		assert.Len(t, req.Messages, 2)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Mitosis is cell division [1]."},"finish_reason":"stop"}]}`)
	})

	out, err := c.Generate(context.Background(), question, nil)
	require.NoError(t, err)
	assert.Equal(t, "Mitosis is cell division [1].", out)
	assert.Equal(t, "test-llm", c.ModelName())
}

func TestStreamYieldsFragmentsThenEOF(t *testing.T) {
	c := newTestClient(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frag := range []string{"Mito", "sis ", "divides."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", frag)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	s, err := c.Stream(context.Background(), question, nil)
	require.NoError(t, err)
	defer s.Close()

	var got []string
	for {
		frag, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, frag)
	}
	assert.Equal(t, []string{"Mito", "sis ", "divides."}, got)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestGenerateTimeout(t *testing.T) {
	c := newTestClient(t, 50*time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	_, err := c.Generate(context.Background(), question, nil)
	var ge *model.GenerationServiceError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "timeout", ge.Reason)
	assert.True(t, ge.Retryable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGenerateQuotaAndContentFilter(t *testing.T) {
	limited := newTestClient(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := limited.Generate(context.Background(), question, nil)
	var ge *model.GenerationServiceError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, http.StatusTooManyRequests, ge.StatusCode)
	assert.Equal(t, "quota exceeded", ge.Reason)

	filtered := newTestClient(t, time.Second, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":""},"finish_reason":"content_filter"}]}`)
	})
	_, err = filtered.Generate(context.Background(), question, nil)
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "content filtered", ge.Reason)
}

func TestParamsFromConfig(t *testing.T) {
	assert.Nil(t, ParamsFromConfig(config.LLMGenerationConfig{}))
	gp := ParamsFromConfig(config.LLMGenerationConfig{MaxTokens: 256})
	require.NotNil(t, gp)
	assert.Nil(t, gp.Temperature)
	assert.Equal(t, 256, *gp.MaxTokens)
}
