package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"github.com/engram-ai/engram/pkg/observability"
)

// OpenAIProvider generates embeddings through the OpenAI API. Calls run
// behind a circuit breaker so a failing upstream sheds load quickly.
type OpenAIProvider struct {
	client  *openai.Client
	model   string
	logger  observability.Logger
	breaker *gobreaker.CircuitBreaker

	// Dimension is detected once on first use.
	detectOnce sync.Once
	detectErr  error
	dims       int
}

// OpenAIConfig configures the remote provider.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint for OpenAI-compatible servers.
	BaseURL string
	Model   string
	// Dimensions, when positive, is enforced against every response.
	Dimensions int
}

// NewOpenAIProvider creates a provider for the configured model.
func NewOpenAIProvider(cfg OpenAIConfig, logger observability.Logger) *OpenAIProvider {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "openai-embeddings",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Embedding circuit breaker state change", map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})

	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		logger:  logger,
		breaker: breaker,
		dims:    cfg.Dimensions,
	}
}

// ModelID identifies the underlying model.
func (p *OpenAIProvider) ModelID() string { return p.model }

// Dimensions embeds a short input on first call and pins the resulting
// dimension for the life of the provider.
func (p *OpenAIProvider) Dimensions(ctx context.Context) (int, error) {
	p.detectOnce.Do(func() {
		if p.dims > 0 {
			return
		}
		vec, err := p.embed(ctx, []string{"dimension check"})
		if err != nil {
			p.detectErr = fmt.Errorf("failed to detect embedding dimension: %w", err)
			return
		}
		p.dims = len(vec[0])
	})
	if p.detectErr != nil {
		return 0, p.detectErr
	}
	return p.dims, nil
}

// Embed derives a vector from text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.BatchEmbed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// BatchEmbed derives vectors for each input, preserving order.
func (p *OpenAIProvider) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	for _, v := range vecs {
		if err := checkDimension(p.dims, v); err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

func (p *OpenAIProvider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		req := openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(p.model),
		}
		if p.dims > 0 {
			req.Dimensions = p.dims
		}
		return p.client.CreateEmbeddings(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}

	resp := result.(openai.EmbeddingResponse)
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response count mismatch: got %d, want %d",
			len(resp.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("embedding response index %d out of range", item.Index)
		}
		vecs[item.Index] = item.Embedding
	}
	return vecs, nil
}
