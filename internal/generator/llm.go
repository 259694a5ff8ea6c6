package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/pagelens/internal/config"
	"github.com/hyperjump/pagelens/internal/models"
)

const systemPrompt = `You answer questions about documents using only the page images provided.
Quote figures exactly as they appear. If the pages do not contain the answer, say so plainly.`

// ContentModel is the subset of llms.Model used by LLMGenerator.
type ContentModel interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// LLMGenerator streams answers from a multimodal chat model.
type LLMGenerator struct {
	model     ContentModel
	maxTokens int
	pace      rate.Limit
	logger    *zap.Logger
}

// Option configures an LLMGenerator.
type Option func(*LLMGenerator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *LLMGenerator) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithSnapshotRate caps intermediate snapshots per second. Zero or less disables pacing.
func WithSnapshotRate(perSecond float64) Option {
	return func(g *LLMGenerator) {
		if perSecond > 0 {
			g.pace = rate.Limit(perSecond)
		} else {
			g.pace = rate.Inf
		}
	}
}

// WithMaxTokens bounds the answer length.
func WithMaxTokens(n int) Option {
	return func(g *LLMGenerator) { g.maxTokens = n }
}

// NewLLMGenerator wraps a chat model.
func NewLLMGenerator(model ContentModel, opts ...Option) *LLMGenerator {
	g := &LLMGenerator{model: model, maxTokens: 1024, pace: rate.Inf, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate sends every page image with the question and streams the cumulative answer.
func (g *LLMGenerator) Generate(ctx context.Context, query string, pages []models.PageImage) (<-chan Snapshot, error) {
	if strings.TrimSpace(query) == "" {
		return nil, models.ErrEmptyQuery
	}
	if len(pages) == 0 {
		return nil, models.ErrNoAnswer
	}
	messages := buildMessages(query, pages)
	out := newEmitter(16)

	go func() {
		limiter := rate.NewLimiter(g.pace, 1)
		var answer strings.Builder
		stream := func(ctx context.Context, chunk []byte) error {
			answer.Write(chunk)
			if !limiter.Allow() {
				return nil
			}
			return out.send(ctx, Snapshot{Text: answer.String()})
		}

		resp, err := g.model.GenerateContent(ctx, messages,
			llms.WithMaxTokens(g.maxTokens),
			llms.WithStreamingFunc(stream),
		)
		final := answer.String()
		if err == nil && final == "" && resp != nil && len(resp.Choices) > 0 {
			final = resp.Choices[0].Content
		}
		if err != nil {
			if ctx.Err() != nil {
				close(out.ch)
				return
			}
			g.logger.Warn("Generation failed", zap.Int("chars", len(final)), zap.Error(err))
			err = fmt.Errorf("generator: %w", err)
		}
		out.finish(ctx, Snapshot{Text: final, Err: err})
	}()
	return out.ch, nil
}

func buildMessages(query string, pages []models.PageImage) []llms.MessageContent {
	parts := make([]llms.ContentPart, 0, 2*len(pages)+1)
	for _, p := range pages {
		parts = append(parts,
			llms.TextPart(pageLabel(p)+":"),
			llms.BinaryPart("image/jpeg", p.Data),
		)
	}
	parts = append(parts, llms.TextPart("Question: "+query))
	return []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(systemPrompt)}},
		{Role: llms.ChatMessageTypeHuman, Parts: parts},
	}
}

// New builds the configured generator. The echo provider, or a model provider without an
// API key, yields an EchoGenerator.
func New(cfg config.GeneratorConfig, logger *zap.Logger) (Generator, error) {
	opts := []Option{
		WithLogger(logger),
		WithSnapshotRate(cfg.SnapshotsPerSecond),
		WithMaxTokens(cfg.MaxTokens),
	}
	switch cfg.Provider {
	case "echo":
		return NewEchoGenerator(), nil
	case "anthropic", "":
		if cfg.APIKey == "" {
			return NewEchoGenerator(), nil
		}
		llmOpts := []anthropic.Option{anthropic.WithToken(cfg.APIKey), anthropic.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			llmOpts = append(llmOpts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		llm, err := anthropic.New(llmOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic client: %w", err)
		}
		return NewLLMGenerator(llm, opts...), nil
	case "openai":
		if cfg.APIKey == "" {
			return NewEchoGenerator(), nil
		}
		llmOpts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			llmOpts = append(llmOpts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(llmOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai client: %w", err)
		}
		return NewLLMGenerator(llm, opts...), nil
	default:
		return nil, fmt.Errorf("unknown generator provider: %s (supported: anthropic, openai, echo)", cfg.Provider)
	}
}
