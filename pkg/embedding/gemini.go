package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"studymate-go/internal/config"
	"studymate-go/internal/model"
)

// geminiBatchLimit is the largest batch BatchEmbedContents accepts.
const geminiBatchLimit = 100

type geminiBackend struct {
	client *genai.Client
	model  string
}

func newGeminiBackend(ctx context.Context, cfg config.EmbeddingConfig) (*geminiBackend, error) {
	c, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &geminiBackend{client: c, model: cfg.Model}, nil
}

func (b *geminiBackend) provider() string { return "gemini" }

func (b *geminiBackend) embed(ctx context.Context, texts []string) ([][]float32, error) {
	em := b.client.EmbeddingModel(b.model)
	vecs := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += geminiBatchLimit {
		end := min(start+geminiBatchLimit, len(texts))
		batch := em.NewBatch()
		for _, t := range texts[start:end] {
			batch.AddContent(genai.Text(t))
		}
		res, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, geminiError(b.provider(), err)
		}
		for _, e := range res.Embeddings {
			if e == nil {
				return nil, fmt.Errorf("no embedding data received from gemini")
			}
			vecs = append(vecs, e.Values)
		}
	}
	return vecs, nil
}

func geminiError(provider string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &model.EmbeddingServiceError{
			Provider:   provider,
			StatusCode: gerr.Code,
			Retryable:  model.RetryableStatus(gerr.Code),
			Err:        err,
		}
	}
	return err
}
