package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

const VendorOpenAI = "openai"

type openaiAdapter struct {
	chatModels map[string]model.BaseChatModel
	modelIDs   []string
	firstDelta time.Duration
}

// NewOpenAIAdapter builds one chat model per configured model identifier.
func NewOpenAIAdapter(ctx context.Context, cfg config.ProviderConfig, maxTokens int, firstDelta time.Duration) (Adapter, error) {
	chatModels := make(map[string]model.BaseChatModel, len(cfg.Models))
	for _, id := range cfg.Models {
		cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   id,
			APIKey:  cfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("openai chat model %s: %w", id, err)
		}
		chatModels[id] = cm
	}
	return &openaiAdapter{
		chatModels: chatModels,
		modelIDs:   append([]string(nil), cfg.Models...),
		firstDelta: firstDelta,
	}, nil
}

func (a *openaiAdapter) Vendor() string { return VendorOpenAI }

func (a *openaiAdapter) Models() []string { return a.modelIDs }

func (a *openaiAdapter) StreamCompletion(ctx context.Context, modelID string, turns []models.Turn, params Params) (*Stream, error) {
	cm, ok := a.chatModels[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	reader, err := cm.Stream(ctx, convertTurns(turns),
		model.WithTemperature(params.Temperature),
		model.WithMaxTokens(params.MaxTokens),
	)
	if err != nil {
		return nil, &Error{Vendor: VendorOpenAI, Err: err}
	}
	return NewStream(VendorOpenAI, reader, a.firstDelta), nil
}
