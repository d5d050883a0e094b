// Package prompt assembles the generation request for a reply: a
// deterministic preamble, a bounded slice of recent history and the inbound
// message, all fitted into a size budget.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/scrypster/digime/pkg/types"
)

// ErrEmptyMessage is returned when the inbound message has no text.
var ErrEmptyMessage = errors.New("prompt: inbound message is empty")

// History supplies the conversation window.
type History interface {
	Window(conversationID string, max int) []types.Message
}

// TraitSource supplies the traits worth mentioning in the preamble.
type TraitSource interface {
	ProminentTraits() []types.PersonalityTrait
}

// Config holds the builder knobs.
type Config struct {
	Identity      string
	SystemPrompt  string
	HistoryShort  int
	HistoryMedium int
	HistoryLong   int
	MaxBudget     int
	Sampling      types.SamplingParams
	Bounds        types.SamplingBounds
}

// Builder is safe for concurrent use.
type Builder struct {
	cfg     Config
	history History
	traits  TraitSource
	counter Counter
	logger  *zap.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithCounter sets the budget counter. The default counts characters.
func WithCounter(c Counter) Option {
	return func(b *Builder) {
		if c != nil {
			b.counter = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBuilder creates a Builder. traits may be nil.
func NewBuilder(cfg Config, history History, traits TraitSource, opts ...Option) *Builder {
	b := &Builder{
		cfg:     cfg,
		history: history,
		traits:  traits,
		counter: CharCounter{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// HistorySize returns how many past messages a reply of this length sees.
func (b *Builder) HistorySize(length types.ResponseLength) int {
	switch length {
	case types.LengthShort:
		return b.cfg.HistoryShort
	case types.LengthLong:
		return b.cfg.HistoryLong
	default:
		return b.cfg.HistoryMedium
	}
}

// Build assembles the request for replying to inbound. The inbound message
// is the user message and never part of the history, even though the store
// already holds it.
func (b *Builder) Build(style types.StyleParameters, rel types.RelationshipProfile, conversationID string, inbound types.Message) (types.GenerationRequest, error) {
	user := strings.TrimSpace(inbound.Text)
	if user == "" {
		return types.GenerationRequest{}, ErrEmptyMessage
	}
	if err := b.cfg.Sampling.Validate(b.cfg.Bounds); err != nil {
		return types.GenerationRequest{}, fmt.Errorf("prompt: invalid sampling params: %w", err)
	}

	var traits []types.PersonalityTrait
	if b.traits != nil {
		traits = b.traits.ProminentTraits()
	}
	preamble := Preamble(PreambleInput{
		SystemPrompt: b.cfg.SystemPrompt,
		Identity:     b.cfg.Identity,
		Traits:       traits,
		Style:        style,
		Relation:     rel,
	})

	n := b.HistorySize(style.ResponseLength)
	var history []types.Message
	if n > 0 && b.history != nil {
		for _, m := range b.history.Window(conversationID, n+1) {
			if m.PlatformMessageID == inbound.PlatformMessageID {
				continue
			}
			history = append(history, m)
		}
		if len(history) > n {
			history = history[len(history)-n:]
		}
	}

	fixed := b.counter.Count(preamble) + b.counter.Count(user)
	kept := Fit(history, b.cfg.MaxBudget-fixed, b.counter)
	if dropped := len(history) - len(kept); dropped > 0 {
		b.logger.Debug("prompt: history truncated to fit budget",
			zap.String("conversation", conversationID),
			zap.Int("dropped", dropped),
			zap.Int("budget", b.cfg.MaxBudget),
			zap.String("unit", b.counter.Unit()))
	}
	if fixed > b.cfg.MaxBudget {
		b.logger.Warn("prompt: preamble and message alone exceed budget",
			zap.String("conversation", conversationID),
			zap.Int("size", fixed),
			zap.Int("budget", b.cfg.MaxBudget))
	}

	if kept == nil {
		kept = []types.Message{}
	}
	return types.GenerationRequest{
		SystemPreamble: preamble,
		History:        kept,
		UserMessage:    user,
		Sampling:       b.cfg.Sampling,
	}, nil
}

// Fit drops messages from the oldest end until the rest costs at most
// budget. A smaller budget never keeps more messages than a larger one.
func Fit(history []types.Message, budget int, counter Counter) []types.Message {
	if budget <= 0 || len(history) == 0 {
		return nil
	}
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := MessageCost(history[i], counter)
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}
	out := make([]types.Message, len(history)-start)
	copy(out, history[start:])
	return out
}

// MessageCost is the budget cost of one history message.
func MessageCost(m types.Message, counter Counter) int {
	return counter.Count(m.Sender) + counter.Count(m.Text)
}
