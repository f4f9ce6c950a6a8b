package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"studymate-go/internal/config"
	"studymate-go/internal/model"
	"studymate-go/pkg/log"
)

type openAIBackend struct {
	cfg    config.EmbeddingConfig
	client *http.Client
}

func newOpenAIBackend(cfg config.EmbeddingConfig) *openAIBackend {
	return &openAIBackend{cfg: cfg, client: &http.Client{}}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (b *openAIBackend) provider() string { return "openai" }

// embed calls the OpenAI-compatible /embeddings API for a batch of inputs.
func (b *openAIBackend) embed(ctx context.Context, texts []string) ([][]float32, error) {
	log.Debugf("[EmbeddingClient] 开始调用 Embedding API, model: %s, batch: %d", b.cfg.Model, len(texts))
	reqBytes, err := json.Marshal(embeddingRequest{
		Model:      b.cfg.Model,
		Input:      texts,
		Dimensions: b.cfg.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &model.EmbeddingServiceError{
			Provider:   b.provider(),
			StatusCode: resp.StatusCode,
			Retryable:  model.RetryableStatus(resp.StatusCode),
			Err:        fmt.Errorf("embedding api returned %s: %s", resp.Status, string(body)),
		}
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	sort.SliceStable(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })

	vecs := make([][]float32, 0, len(out.Data))
	for _, d := range out.Data {
		vecs = append(vecs, d.Embedding)
	}
	return vecs, nil
}
