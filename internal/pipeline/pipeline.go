// Package pipeline holds the transform stages messages pass through on
// their way into and out of the orchestrator.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/scrypster/digime/pkg/types"
)

// ErrDrop tells the chain to stop and discard the message.
var ErrDrop = errors.New("pipeline: message dropped")

// Reply is a generated response on its way to the transport.
type Reply struct {
	ConversationID string
	Text           string
	Style          types.StyleParameters
}

// InboundStage transforms or filters a received message before it is
// recorded.
type InboundStage interface {
	Name() string
	Inbound(ctx context.Context, msg types.Message) (types.Message, error)
}

// OutboundStage transforms or filters a generated reply before it is sent.
type OutboundStage interface {
	Name() string
	Outbound(ctx context.Context, reply Reply) (Reply, error)
}

// Chain runs stages in registration order. A Chain is built once at
// startup and is safe for concurrent use afterwards.
type Chain struct {
	inbound  []InboundStage
	outbound []OutboundStage
	logger   *zap.Logger
}

// NewChain creates an empty chain.
func NewChain(logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{logger: logger}
}

// Default returns a chain with the built-in stages.
func Default(logger *zap.Logger) *Chain {
	c := NewChain(logger)
	c.AddInbound(NormalizeWhitespace{})
	c.AddOutbound(NormalizeWhitespace{}, StripReplyPrefixes{}, TrimShortReplies{})
	return c
}

// AddInbound appends inbound stages.
func (c *Chain) AddInbound(stages ...InboundStage) {
	c.inbound = append(c.inbound, stages...)
}

// AddOutbound appends outbound stages.
func (c *Chain) AddOutbound(stages ...OutboundStage) {
	c.outbound = append(c.outbound, stages...)
}

// RunInbound passes msg through every inbound stage. It returns ErrDrop
// (possibly wrapped) when a stage filtered the message.
func (c *Chain) RunInbound(ctx context.Context, msg types.Message) (types.Message, error) {
	for _, s := range c.inbound {
		out, err := s.Inbound(ctx, msg)
		if err != nil {
			if errors.Is(err, ErrDrop) {
				c.logger.Debug("pipeline: inbound message dropped",
					zap.String("stage", s.Name()),
					zap.String("conversation_id", msg.ConversationID))
				return msg, err
			}
			return msg, fmt.Errorf("inbound stage %s: %w", s.Name(), err)
		}
		msg = out
	}
	return msg, nil
}

// RunOutbound passes reply through every outbound stage.
func (c *Chain) RunOutbound(ctx context.Context, reply Reply) (Reply, error) {
	for _, s := range c.outbound {
		out, err := s.Outbound(ctx, reply)
		if err != nil {
			if errors.Is(err, ErrDrop) {
				c.logger.Debug("pipeline: reply dropped",
					zap.String("stage", s.Name()),
					zap.String("conversation_id", reply.ConversationID))
				return reply, err
			}
			return reply, fmt.Errorf("outbound stage %s: %w", s.Name(), err)
		}
		reply = out
	}
	return reply, nil
}
