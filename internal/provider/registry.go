package provider

import (
	"context"
	"fmt"
	"sort"
	"time"

	"chatrelay/internal/config"
)

// Registry maps model identifiers to the single adapter serving them.
// Registration happens once at startup; lookups never consult vendor
// model lists again.
type Registry struct {
	byModel map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{byModel: make(map[string]Adapter)}
}

// Register claims the adapter's declared models. Overlapping claims are
// a configuration error.
func (r *Registry) Register(a Adapter) error {
	for _, m := range a.Models() {
		if prev, ok := r.byModel[m]; ok {
			return fmt.Errorf("model %s claimed by both %s and %s", m, prev.Vendor(), a.Vendor())
		}
		r.byModel[m] = a
	}
	return nil
}

// Resolve returns the adapter serving the model, or ErrUnknownModel.
func (r *Registry) Resolve(modelID string) (Adapter, error) {
	a, ok := r.byModel[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return a, nil
}

// Models returns every registered model identifier, sorted.
func (r *Registry) Models() []string {
	out := make([]string, 0, len(r.byModel))
	for m := range r.byModel {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// BuildRegistry constructs the configured vendor adapters and registers
// their models.
func BuildRegistry(ctx context.Context, cfg *config.Config) (*Registry, error) {
	firstDelta := time.Duration(cfg.Stream.FirstDeltaTimeout) * time.Second
	registry := NewRegistry()
	for name, provCfg := range cfg.Providers {
		if len(provCfg.Models) == 0 {
			continue
		}
		var (
			adapter Adapter
			err     error
		)
		switch name {
		case VendorOpenAI:
			adapter, err = NewOpenAIAdapter(ctx, provCfg, cfg.Stream.MaxTokens, firstDelta)
		case VendorClaude:
			adapter, err = NewClaudeAdapter(ctx, provCfg, cfg.Stream.MaxTokens, firstDelta)
		case VendorGemini:
			adapter, err = NewGeminiAdapter(ctx, provCfg, firstDelta)
		default:
			return nil, fmt.Errorf("invalid provider: %s", name)
		}
		if err != nil {
			return nil, fmt.Errorf("init %s adapter: %w", name, err)
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
