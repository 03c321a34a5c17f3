package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

const VendorGemini = "gemini"

type geminiAdapter struct {
	chatModels map[string]model.BaseChatModel
	modelIDs   []string
	firstDelta time.Duration
}

func NewGeminiAdapter(ctx context.Context, cfg config.ProviderConfig, firstDelta time.Duration) (Adapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	chatModels := make(map[string]model.BaseChatModel, len(cfg.Models))
	for _, id := range cfg.Models {
		cm, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  id,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini chat model %s: %w", id, err)
		}
		chatModels[id] = cm
	}
	return &geminiAdapter{
		chatModels: chatModels,
		modelIDs:   append([]string(nil), cfg.Models...),
		firstDelta: firstDelta,
	}, nil
}

func (a *geminiAdapter) Vendor() string { return VendorGemini }

func (a *geminiAdapter) Models() []string { return a.modelIDs }

func (a *geminiAdapter) StreamCompletion(ctx context.Context, modelID string, turns []models.Turn, params Params) (*Stream, error) {
	cm, ok := a.chatModels[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	reader, err := cm.Stream(ctx, convertTurns(turns),
		model.WithTemperature(params.Temperature),
		model.WithMaxTokens(params.MaxTokens),
	)
	if err != nil {
		return nil, &Error{Vendor: VendorGemini, Err: err}
	}
	return NewStream(VendorGemini, reader, a.firstDelta), nil
}
