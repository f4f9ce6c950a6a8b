package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"studymate-go/internal/config"
)

const finishContentFilter = "content_filter"

type openAIClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

func newOpenAIClient(cfg config.LLMConfig) *openAIClient {
	return &openAIClient{cfg: cfg, client: &http.Client{}}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *openAIClient) ModelName() string { return c.cfg.Model }

func (c *openAIClient) do(ctx context.Context, messages []Message, gen *GenerationParams, stream bool) (*http.Response, error) {
	reqBody := chatRequest{Model: c.cfg.Model, Messages: messages, Stream: stream}
	if gen == nil {
		gen = ParamsFromConfig(c.cfg.Generation)
	}
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
	}
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, serviceError("openai", 0, fmt.Errorf("failed to call chat api: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, serviceError("openai", resp.StatusCode,
			fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(body)))
	}
	return resp, nil
}

// Generate 以非流式方式调用聊天接口并返回完整答案。
func (c *openAIClient) Generate(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	ctx, cancel := withTimeout(ctx, c.cfg)
	defer cancel()

	resp, err := c.do(ctx, messages, gen, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", serviceError("openai", 0, fmt.Errorf("failed to decode chat response: %w", err))
	}
	if len(out.Choices) == 0 {
		return "", serviceError("openai", 0, errors.New("chat api returned no choices"))
	}
	if out.Choices[0].FinishReason == finishContentFilter {
		return "", contentFiltered("openai")
	}
	return out.Choices[0].Message.Content, nil
}

// Stream 以 SSE 流式调用聊天接口。
func (c *openAIClient) Stream(ctx context.Context, messages []Message, gen *GenerationParams) (Stream, error) {
	ctx, cancel := withTimeout(ctx, c.cfg)
	resp, err := c.do(ctx, messages, gen, true)
	if err != nil {
		cancel()
		return nil, err
	}
	return &sseStream{ctx: ctx, cancel: cancel, body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

type sseStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

func (s *sseStream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.finish()
			if err == io.EOF {
				return "", io.EOF
			}
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return "", serviceError("openai", 0, fmt.Errorf("failed to read from stream: %w", err))
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			s.finish()
			return "", io.EOF
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].FinishReason == finishContentFilter {
			s.finish()
			return "", contentFiltered("openai")
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}
}

func (s *sseStream) finish() {
	if s.done {
		return
	}
	s.done = true
	s.body.Close()
	s.cancel()
}

func (s *sseStream) Close() error {
	s.finish()
	return nil
}
