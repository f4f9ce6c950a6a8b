package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"studymate-go/internal/config"
	"studymate-go/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*config.EmbeddingConfig)) *client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.EmbeddingConfig{
		Provider:    "openai",
		BaseURL:     srv.URL,
		Model:       "test-embed",
		Dimensions:  3,
		Timeout:     time.Second,
		MaxAttempts: 3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := wrap(newOpenAIBackend(cfg), cfg)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func writeEmbeddings(w http.ResponseWriter, vecs [][]float32, reversed bool) {
	type item struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}
	data := make([]item, len(vecs))
	for i, v := range vecs {
		data[i] = item{Index: i, Embedding: v}
	}
	if reversed {
		for i, j := 0, len(data)-1; i < j; i, j = i+1, j-1 {
			data[i], data[j] = data[j], data[i]
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func TestEmbedBatchKeepsInputOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"a", "b"}, req.Input)
		writeEmbeddings(w, [][]float32{{1, 0, 0}, {0, 1, 0}}, true)
	}, nil)

	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, vecs)
	assert.Equal(t, 3, c.Dimensions())
	assert.Equal(t, "test-embed", c.ModelName())
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeEmbeddings(w, [][]float32{{1, 2, 3}}, false)
	}, nil)

	v, err := c.Embed(context.Background(), "mitosis")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, v)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestEmbedDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}, nil)

	_, err := c.Embed(context.Background(), "x")
	var ee *model.EmbeddingServiceError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, http.StatusUnauthorized, ee.StatusCode)
	assert.False(t, ee.Retryable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEmbedTimeoutIsRetryableServiceError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, func(cfg *config.EmbeddingConfig) {
		cfg.Timeout = 50 * time.Millisecond
		cfg.MaxAttempts = 1
	})

	_, err := c.Embed(context.Background(), "x")
	var ee *model.EmbeddingServiceError
	require.ErrorAs(t, err, &ee)
	assert.True(t, ee.Retryable)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEmbeddings(w, [][]float32{{1, 2}}, false)
	}, nil)

	_, err := c.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, model.ErrEmbeddingVersionMismatch)
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	c := NewLocalClient(8)
	vecs, err := c.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestLocalClientPlacesRelatedTextCloser(t *testing.T) {
	c := NewLocalClient(256)
	ctx := context.Background()

	q, err := c.Embed(ctx, "What is mitosis?")
	require.NoError(t, err)
	vecs, err := c.EmbedBatch(ctx, []string{
		"Photosynthesis converts light energy into chemical energy in chloroplasts.",
		"Mitosis is the division of a cell nucleus into two identical nuclei.",
	})
	require.NoError(t, err)

	assert.Len(t, q, 256)
	assert.Greater(t, dot(q, vecs[1]), dot(q, vecs[0]))
	assert.Equal(t, localModelName, c.ModelName())

	again, err := c.Embed(ctx, "What is mitosis?")
	require.NoError(t, err)
	assert.Equal(t, q, again)
}

func TestTokenizeDropsStopWords(t *testing.T) {
	assert.Equal(t, []string{"mitosis"}, Tokenize("What is mitosis?"))
	assert.Equal(t, []string{"dna", "replication", "2024"}, Tokenize("DNA replication (2024)"))
}

func TestRetryDelayIsCapped(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, retryDelay(0))
	assert.Equal(t, 400*time.Millisecond, retryDelay(1))
	assert.Equal(t, 5*time.Second, retryDelay(10))
}

func TestNewClientRejectsUnknownProvider(t *testing.T) {
	_, err := NewClient(context.Background(), config.EmbeddingConfig{Provider: "nope", Dimensions: 3})
	assert.Error(t, err)
	_, err = NewClient(context.Background(), config.EmbeddingConfig{Provider: "local"})
	assert.Error(t, err)
}
