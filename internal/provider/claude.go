package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino/components/model"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

const VendorClaude = "claude"

// claudeAdapter streams Anthropic completions. The vendor API takes the
// system prompt out-of-band; the eino claude component splits the leading
// system message out itself, so callers pass the full ordered turn list.
type claudeAdapter struct {
	chatModels map[string]model.BaseChatModel
	modelIDs   []string
	firstDelta time.Duration
}

func NewClaudeAdapter(ctx context.Context, cfg config.ProviderConfig, maxTokens int, firstDelta time.Duration) (Adapter, error) {
	var baseURLPtr *string
	if cfg.BaseURL != "" {
		baseURLPtr = &cfg.BaseURL
	}
	chatModels := make(map[string]model.BaseChatModel, len(cfg.Models))
	for _, id := range cfg.Models {
		cm, err := claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     id,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("claude chat model %s: %w", id, err)
		}
		chatModels[id] = cm
	}
	return &claudeAdapter{
		chatModels: chatModels,
		modelIDs:   append([]string(nil), cfg.Models...),
		firstDelta: firstDelta,
	}, nil
}

func (a *claudeAdapter) Vendor() string { return VendorClaude }

func (a *claudeAdapter) Models() []string { return a.modelIDs }

func (a *claudeAdapter) StreamCompletion(ctx context.Context, modelID string, turns []models.Turn, params Params) (*Stream, error) {
	cm, ok := a.chatModels[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	reader, err := cm.Stream(ctx, convertTurns(turns),
		model.WithTemperature(params.Temperature),
		model.WithMaxTokens(params.MaxTokens),
	)
	if err != nil {
		return nil, &Error{Vendor: VendorClaude, Err: err}
	}
	return NewStream(VendorClaude, reader, a.firstDelta), nil
}
