package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"chatrelay/internal/models"
)

// ErrUnknownModel is returned when no adapter declares the requested
// model identifier.
var ErrUnknownModel = errors.New("unknown model")

// ErrTimeout marks a provider call that produced no delta within the
// configured duration. It is always wrapped in an *Error.
var ErrTimeout = errors.New("provider timed out before first delta")

// Error wraps a vendor-level failure: network error, malformed response,
// or a vendor error payload.
type Error struct {
	Vendor string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Vendor, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Params carries the generation parameters for one completion call.
type Params struct {
	Temperature float32
	MaxTokens   int
}

// Delta is one normalized chunk of a streamed completion. A stream yields
// zero or more text deltas followed by exactly one End delta.
type Delta struct {
	Text       string
	End        bool
	TokenCount int
}

// Adapter translates a normalized conversation into one vendor's
// completion API call. Vendors expecting the system prompt out-of-band
// split turns[0] themselves; callers always pass the full ordered list.
type Adapter interface {
	Vendor() string
	Models() []string
	StreamCompletion(ctx context.Context, modelID string, turns []models.Turn, params Params) (*Stream, error)
}

func convertTurns(turns []models.Turn) []*schema.Message {
	messages := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		var role schema.RoleType
		switch t.Role {
		case models.RoleSystem:
			role = schema.System
		case models.RoleAssistant:
			role = schema.Assistant
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: t.Content,
		})
	}
	return messages
}
