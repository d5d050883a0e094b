// Package relationships keeps the per-contact relationship profiles and
// learns closeness from interaction patterns.
package relationships

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/digime/internal/storage"
	"github.com/scrypster/digime/pkg/types"
)

// Learning defaults.
const (
	DefaultLearningRate      = 0.02
	DefaultReciprocityWindow = 24 * time.Hour
	DefaultDormancyWindow    = 30 * 24 * time.Hour
)

// LearningRule tunes Observe.
type LearningRule struct {
	Rate              float64
	ReciprocityWindow time.Duration
	DormancyWindow    time.Duration
}

// DefaultLearningRule returns the default rule.
func DefaultLearningRule() LearningRule {
	return LearningRule{
		Rate:              DefaultLearningRate,
		ReciprocityWindow: DefaultReciprocityWindow,
		DormancyWindow:    DefaultDormancyWindow,
	}
}

// Apply returns p updated for one interaction. Type, adjustments and notes
// are never touched.
//
//   - every interaction bumps InteractionCount and LastInteraction
//   - a direction change within ReciprocityWindow moves closeness toward 1
//     by Rate*(1-closeness)
//   - a gap longer than DormancyWindow decays closeness by Rate*closeness
func (r LearningRule) Apply(p types.RelationshipProfile, in types.Interaction) types.RelationshipProfile {
	if !p.LastInteraction.IsZero() {
		gap := in.At.Sub(p.LastInteraction)
		switch {
		case gap > r.DormancyWindow:
			p.Closeness -= r.Rate * p.Closeness
		case gap >= 0 && gap <= r.ReciprocityWindow && p.LastDirection != "" && p.LastDirection != in.Direction:
			p.Closeness += r.Rate * (1 - p.Closeness)
		}
	}
	p.Closeness = types.Clamp01(p.Closeness)
	p.InteractionCount++
	if in.At.After(p.LastInteraction) {
		p.LastInteraction = in.At
	}
	p.LastDirection = in.Direction
	return p
}

// Registry maps contact ids to profiles. Reads are lock-free against an
// immutable snapshot; writes publish a new snapshot.
type Registry struct {
	snapshot  atomic.Pointer[map[string]types.RelationshipProfile]
	writeMu   sync.Mutex
	rule      LearningRule
	persister storage.RelationshipStore
	logger    *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLearningRule overrides the learning rule.
func WithLearningRule(rule LearningRule) Option {
	return func(r *Registry) { r.rule = rule }
}

// WithPersister saves every observed profile.
func WithPersister(p storage.RelationshipStore) Option {
	return func(r *Registry) { r.persister = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a registry seeded with profiles.
func New(profiles []types.RelationshipProfile, opts ...Option) (*Registry, error) {
	r := &Registry{rule: DefaultLearningRule(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}

	m := make(map[string]types.RelationshipProfile, len(profiles))
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("relationships: %w", err)
		}
		if _, dup := m[p.ContactID]; dup {
			return nil, fmt.Errorf("relationships: duplicate contact %q", p.ContactID)
		}
		m[p.ContactID] = p.Clone()
	}
	r.snapshot.Store(&m)
	return r, nil
}

// Lookup returns the profile for a contact, or the unknown profile.
func (r *Registry) Lookup(contactID string) types.RelationshipProfile {
	m := *r.snapshot.Load()
	if p, ok := m[contactID]; ok {
		return p.Clone()
	}
	return types.UnknownProfile(contactID)
}

// Upsert validates and publishes a profile.
func (r *Registry) Upsert(p types.RelationshipProfile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("relationships: %w", err)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.publish(p.Clone())
	return nil
}

// publish swaps in a copy of the map with p set. Caller holds writeMu.
func (r *Registry) publish(p types.RelationshipProfile) {
	old := *r.snapshot.Load()
	next := make(map[string]types.RelationshipProfile, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[p.ContactID] = p
	r.snapshot.Store(&next)
}

// Observe applies the learning rule for one interaction and persists the
// result when a persister is set. Persistence failures are logged, not
// returned.
func (r *Registry) Observe(ctx context.Context, in types.Interaction) (types.RelationshipProfile, error) {
	if in.ContactID == "" || in.ContactID == types.SenderSelf {
		return types.RelationshipProfile{}, fmt.Errorf("%w: interaction needs a contact", storage.ErrInvalidInput)
	}
	if in.At.IsZero() {
		in.At = time.Now()
	}

	r.writeMu.Lock()
	current, ok := (*r.snapshot.Load())[in.ContactID]
	if !ok {
		current = types.UnknownProfile(in.ContactID)
	}
	updated := r.rule.Apply(current.Clone(), in)
	if err := updated.Validate(); err != nil {
		r.writeMu.Unlock()
		return current, fmt.Errorf("relationships: %w", err)
	}
	r.publish(updated)
	r.writeMu.Unlock()

	if r.persister != nil {
		if err := r.persister.SaveRelationship(ctx, updated); err != nil {
			r.logger.Warn("relationships: failed to persist profile",
				zap.String("contact", in.ContactID), zap.Error(err))
		}
	}
	return updated.Clone(), nil
}

// Load overlays persisted learned fields (closeness and counters) onto the
// configured profiles. Contacts only known to the store are added with
// their stored type.
func (r *Registry) Load(ctx context.Context, store storage.RelationshipStore) (int, error) {
	stored, err := store.LoadRelationships(ctx)
	if err != nil {
		return 0, fmt.Errorf("relationships: load failed: %w", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := *r.snapshot.Load()
	next := make(map[string]types.RelationshipProfile, len(old)+len(stored))
	for k, v := range old {
		next[k] = v
	}
	n := 0
	for _, s := range stored {
		p, ok := next[s.ContactID]
		if !ok {
			p = types.UnknownProfile(s.ContactID)
			if types.IsValidRelationshipType(s.Type) {
				p.Type = s.Type
			}
		}
		p.Closeness = types.Clamp01(s.Closeness)
		p.InteractionCount = s.InteractionCount
		p.LastInteraction = s.LastInteraction
		p.LastDirection = s.LastDirection
		if err := p.Validate(); err != nil {
			r.logger.Warn("relationships: skipping stored profile", zap.String("contact", s.ContactID), zap.Error(err))
			continue
		}
		next[s.ContactID] = p
		n++
	}
	r.snapshot.Store(&next)
	return n, nil
}

// All returns every profile sorted by contact id.
func (r *Registry) All() []types.RelationshipProfile {
	m := *r.snapshot.Load()
	out := make([]types.RelationshipProfile, 0, len(m))
	for _, p := range m {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactID < out[j].ContactID })
	return out
}

// Len returns the number of known contacts.
func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}
