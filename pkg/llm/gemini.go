package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"studymate-go/internal/config"
)

type geminiClient struct {
	cfg    config.LLMConfig
	client *genai.Client
}

func newGeminiClient(ctx context.Context, cfg config.LLMConfig) (*geminiClient, error) {
	c, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &geminiClient{cfg: cfg, client: c}, nil
}

func (c *geminiClient) ModelName() string { return c.cfg.Model }

// session 把 role-based 消息转换为 Gemini 的 system instruction + 历史 + 最后一条用户消息。
func (c *geminiClient) session(messages []Message, gen *GenerationParams) (*genai.ChatSession, []genai.Part, error) {
	m := c.client.GenerativeModel(c.cfg.Model)
	if gen == nil {
		gen = ParamsFromConfig(c.cfg.Generation)
	}
	if gen != nil {
		if gen.Temperature != nil {
			m.SetTemperature(float32(*gen.Temperature))
		}
		if gen.TopP != nil {
			m.SetTopP(float32(*gen.TopP))
		}
		if gen.MaxTokens != nil {
			m.SetMaxOutputTokens(int32(*gen.MaxTokens))
		}
	}

	var system []string
	var history []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleAssistant:
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(msg.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}})
		}
	}
	if len(system) > 0 {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))}}
	}
	if len(history) == 0 || history[len(history)-1].Role != "user" {
		return nil, nil, errors.New("last message is not from the user")
	}
	last := history[len(history)-1]
	cs := m.StartChat()
	cs.History = history[:len(history)-1]
	return cs, last.Parts, nil
}

func (c *geminiClient) Generate(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	ctx, cancel := withTimeout(ctx, c.cfg)
	defer cancel()

	cs, parts, err := c.session(messages, gen)
	if err != nil {
		return "", serviceError("gemini", 0, err)
	}
	resp, err := cs.SendMessage(ctx, parts...)
	if err != nil {
		return "", geminiServiceError(err)
	}
	return responseText(resp), nil
}

func (c *geminiClient) Stream(ctx context.Context, messages []Message, gen *GenerationParams) (Stream, error) {
	ctx, cancel := withTimeout(ctx, c.cfg)
	cs, parts, err := c.session(messages, gen)
	if err != nil {
		cancel()
		return nil, serviceError("gemini", 0, err)
	}
	return &geminiStream{ctx: ctx, cancel: cancel, iter: cs.SendMessageStream(ctx, parts...)}, nil
}

type geminiStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	iter   *genai.GenerateContentResponseIterator
	done   bool
}

func (s *geminiStream) Next() (string, error) {
	for !s.done {
		resp, err := s.iter.Next()
		if errors.Is(err, iterator.Done) {
			s.Close()
			return "", io.EOF
		}
		if err != nil {
			s.Close()
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return "", geminiServiceError(err)
		}
		if text := responseText(resp); text != "" {
			return text, nil
		}
	}
	return "", io.EOF
}

func (s *geminiStream) Close() error {
	s.done = true
	s.cancel()
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

func geminiServiceError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return contentFiltered("gemini")
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return serviceError("gemini", gerr.Code, err)
	}
	return serviceError("gemini", 0, err)
}
