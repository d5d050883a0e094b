package llm

import (
	"context"

	"github.com/scrypster/digime/pkg/types"
)

// Backend produces one chat completion per call. Implementations return
// *GenerationError for failures they can classify; anything else is
// classified by the Client.
type Backend interface {
	Chat(ctx context.Context, req types.GenerationRequest) (string, error)
	Name() string
	GetModel() string
}

// ModelLister lists the models a backend can serve.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// HealthChecker verifies that a backend is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// chatMessage is one turn in a chat request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatMessages flattens a request into system, history and user turns.
// The clone's own messages become assistant turns.
func chatMessages(req types.GenerationRequest) []chatMessage {
	msgs := make([]chatMessage, 0, len(req.History)+2)
	msgs = append(msgs, chatMessage{Role: "system", Content: req.SystemPreamble})
	for _, m := range req.History {
		role := "user"
		if m.FromSelf() {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: m.Text})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.UserMessage})
	return msgs
}
