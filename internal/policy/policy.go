// Package policy decides whether the clone answers an inbound message and
// with which style.
package policy

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/digime/pkg/types"
)

// Kind is the outcome of a decision.
type Kind string

// Decision kinds
const (
	Respond  Kind = "respond"
	Suppress Kind = "suppress"
)

// Reason constants
const (
	ReasonIgnoredSender     = "ignored_sender"
	ReasonSelfMessage       = "self_message"
	ReasonEmptyMessage      = "empty_message"
	ReasonCooldown          = "cooldown"
	ReasonProbabilisticSkip = "probabilistic_skip"
	ReasonTrigger           = "trigger_word"
	ReasonDrawPassed        = "draw_passed"
)

// Decision is the result of Decide.
type Decision struct {
	Kind        Kind
	Reason      string
	Style       types.StyleParameters
	Tags        []string
	Relation    types.RelationshipProfile
	Probability float64 // Effective probability used for the draw
}

// Random is the source of the single per-message draw.
type Random interface {
	Float64() float64
}

// StyleModel computes the effective style.
type StyleModel interface {
	Style(rel *types.RelationshipProfile, tags map[string]struct{}) types.StyleParameters
}

// RelationshipLookup resolves a sender to a profile.
type RelationshipLookup interface {
	Lookup(contactID string) types.RelationshipProfile
}

// ReplyHistory answers the cooldown question.
type ReplyHistory interface {
	HasRecentReply(conversationID string, within time.Duration) bool
}

// ActiveHours scales the response probability outside [Start, End).
type ActiveHours struct {
	Enabled        bool
	Start          int
	End            int
	OffHoursFactor float64
}

// Contains reports whether hour falls inside the window. Windows may wrap
// past midnight.
func (a ActiveHours) Contains(hour int) bool {
	if a.Start == a.End {
		return true
	}
	if a.Start < a.End {
		return hour >= a.Start && hour < a.End
	}
	return hour >= a.Start || hour < a.End
}

// Config holds the policy knobs.
type Config struct {
	IgnoreList    []string
	Triggers      []string
	ReplyCooldown time.Duration
	ActiveHours   ActiveHours
}

// Policy is safe for concurrent use.
type Policy struct {
	cfg      Config
	ignore   map[string]struct{}
	model    StyleModel
	registry RelationshipLookup
	history  ReplyHistory
	logger   *zap.Logger
	now      func() time.Time

	rngMu sync.Mutex
	rng   Random
}

// Option configures a Policy.
type Option func(*Policy)

// WithRandom injects the draw source.
func WithRandom(r Random) Option {
	return func(p *Policy) {
		if r != nil {
			p.rng = r
		}
	}
}

// WithClock overrides the time source used for active hours.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Policy. history may be nil when no cooldown is configured.
func New(cfg Config, model StyleModel, registry RelationshipLookup, history ReplyHistory, opts ...Option) *Policy {
	p := &Policy{
		cfg:      cfg,
		ignore:   make(map[string]struct{}, len(cfg.IgnoreList)),
		model:    model,
		registry: registry,
		history:  history,
		logger:   zap.NewNop(),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, id := range cfg.IgnoreList {
		p.ignore[strings.TrimSpace(id)] = struct{}{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide runs the decision for one inbound message. Exactly one random draw
// is consumed when the decision reaches the probability step, none otherwise.
func (p *Policy) Decide(ctx context.Context, inbound types.Message, conversationID string) Decision {
	if _, ok := p.ignore[inbound.Sender]; ok {
		return Decision{Kind: Suppress, Reason: ReasonIgnoredSender}
	}
	if inbound.FromSelf() {
		return Decision{Kind: Suppress, Reason: ReasonSelfMessage}
	}
	if strings.TrimSpace(inbound.Text) == "" {
		return Decision{Kind: Suppress, Reason: ReasonEmptyMessage}
	}
	if p.cfg.ReplyCooldown > 0 && p.history != nil && p.history.HasRecentReply(conversationID, p.cfg.ReplyCooldown) {
		return Decision{Kind: Suppress, Reason: ReasonCooldown}
	}

	rel := p.registry.Lookup(inbound.Sender)
	tags := DeriveTags(inbound.Text, rel.Type)
	style := p.model.Style(&rel, tags)

	d := Decision{
		Style:       style,
		Tags:        SortedTags(tags),
		Relation:    rel,
		Probability: p.probability(style, rel),
	}

	if trig, ok := matchTrigger(inbound.Text, p.cfg.Triggers); ok {
		p.logger.Debug("policy: trigger word forces reply",
			zap.String("conversation", conversationID), zap.String("trigger", trig))
		d.Kind, d.Reason = Respond, ReasonTrigger
		return d
	}

	if draw := p.draw(); draw >= d.Probability {
		d.Kind, d.Reason = Suppress, ReasonProbabilisticSkip
		return d
	}
	d.Kind, d.Reason = Respond, ReasonDrawPassed
	return d
}

// probability scales the style's response probability by closeness for
// known contacts, from half at closeness 0 to full at 1, then by the
// off-hours factor.
func (p *Policy) probability(style types.StyleParameters, rel types.RelationshipProfile) float64 {
	prob := style.ResponseProbability
	if rel.Type != types.RelationshipUnknown {
		prob *= 0.5 + 0.5*types.Clamp01(rel.Closeness)
	}
	ah := p.cfg.ActiveHours
	if ah.Enabled && !ah.Contains(p.now().Hour()) {
		prob *= types.Clamp01(ah.OffHoursFactor)
	}
	return types.Clamp01(prob)
}

func (p *Policy) draw() float64 {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Float64()
}
