// Package personality computes the effective reply style from the clone's
// base style, its weighted traits, the conversation's context tags and the
// relationship with the sender.
package personality

import (
	"sort"

	"github.com/scrypster/digime/pkg/types"
)

// DefaultInactiveDamping is the weight multiplier applied to traits whose
// active contexts do not match the message.
const DefaultInactiveDamping = 0.5

// closenessFormalitySpan is how far closeness can move formality either way.
const closenessFormalitySpan = 0.2

// Base is the static part of the style computation.
type Base struct {
	Style           types.StyleParameters
	InactiveDamping float64

	// RelationshipDefaults are per-type deltas applied before a profile's
	// own adjustments. Nil means DefaultRelationshipDeltas.
	RelationshipDefaults map[types.RelationshipType]map[types.StyleField]float64
}

// DefaultRelationshipDeltas returns the built-in per-type style deltas.
func DefaultRelationshipDeltas() map[types.RelationshipType]map[types.StyleField]float64 {
	return map[types.RelationshipType]map[types.StyleField]float64{
		types.RelationshipProfessional: {
			types.FieldFormality: 0.2,
			types.FieldEmoji:     -0.2,
			types.FieldHumor:     -0.1,
		},
		types.RelationshipColleague: {
			types.FieldFormality: 0.1,
			types.FieldEmoji:     -0.1,
		},
		types.RelationshipFriend: {
			types.FieldFormality: -0.2,
			types.FieldHumor:     0.1,
			types.FieldEmoji:     0.1,
		},
		types.RelationshipFamily: {
			types.FieldFormality:           -0.3,
			types.FieldEmoji:               0.1,
			types.FieldResponseProbability: 0.1,
		},
	}
}

// MergeDeltas overlays override onto the built-in deltas, field by field.
func MergeDeltas(override map[types.RelationshipType]map[types.StyleField]float64) map[types.RelationshipType]map[types.StyleField]float64 {
	merged := DefaultRelationshipDeltas()
	for relType, deltas := range override {
		if merged[relType] == nil {
			merged[relType] = make(map[types.StyleField]float64, len(deltas))
		}
		for field, v := range deltas {
			merged[relType][field] = v
		}
	}
	return merged
}

// EffectiveStyle combines base style, traits and relationship into the style
// for one decision. Trait influences add up, relationship deltas are applied
// on top, and every field is clamped last, so the result always validates.
// It is pure: equal inputs give equal outputs.
func EffectiveStyle(base Base, traits []types.PersonalityTrait, rel *types.RelationshipProfile, tags map[string]struct{}) types.StyleParameters {
	damping := base.InactiveDamping
	if damping <= 0 || damping > 1 {
		damping = DefaultInactiveDamping
	}

	acc := make(map[types.StyleField]float64, len(types.ValidStyleFields))
	for _, f := range types.ValidStyleFields {
		acc[f] = base.Style.Get(f)
	}

	for _, t := range traits {
		w := types.Clamp01(t.Weight)
		if !t.ActiveFor(tags) {
			w *= damping
		}
		for _, f := range sortedFields(t.Influences) {
			acc[f] += t.Influences[f] * w
		}
	}

	if rel != nil {
		defaults := base.RelationshipDefaults
		if defaults == nil {
			defaults = DefaultRelationshipDeltas()
		}
		for f, d := range defaults[rel.Type] {
			acc[f] += d
		}
		acc[types.FieldFormality] += (0.5 - types.Clamp01(rel.Closeness)) * closenessFormalitySpan
		for f, d := range rel.Adjustments {
			if types.IsValidStyleField(f) {
				acc[f] += d
			}
		}
	}

	var out types.StyleParameters
	for f, v := range acc {
		out.Set(f, types.Clamp01(v))
	}
	return out.Clamped()
}

// sortedFields gives a stable iteration order so float sums do not depend on
// map order.
func sortedFields(m map[types.StyleField]float64) []types.StyleField {
	fields := make([]types.StyleField, 0, len(m))
	for f := range m {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}

// Model binds a Base to a trait set.
type Model struct {
	base   Base
	traits []types.PersonalityTrait
}

// NewModel creates a Model. Trait weights are clamped; later traits with a
// duplicate name replace earlier ones.
func NewModel(base Base, traits []types.PersonalityTrait) *Model {
	byName := make(map[string]int, len(traits))
	kept := make([]types.PersonalityTrait, 0, len(traits))
	for _, t := range traits {
		t.Weight = types.Clamp01(t.Weight)
		if i, ok := byName[t.Name]; ok {
			kept[i] = t
			continue
		}
		byName[t.Name] = len(kept)
		kept = append(kept, t)
	}
	return &Model{base: base, traits: kept}
}

// Style returns the effective style for a relationship and tag set.
func (m *Model) Style(rel *types.RelationshipProfile, tags map[string]struct{}) types.StyleParameters {
	return EffectiveStyle(m.base, m.traits, rel, tags)
}

// Traits returns a copy of the trait set.
func (m *Model) Traits() []types.PersonalityTrait {
	out := make([]types.PersonalityTrait, len(m.traits))
	copy(out, m.traits)
	return out
}

// ProminentTraits returns traits heavier than 0.5, heaviest first.
func (m *Model) ProminentTraits() []types.PersonalityTrait {
	var out []types.PersonalityTrait
	for _, t := range m.traits {
		if t.Weight > 0.5 {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	return out
}

// BaseStyle returns the configured base style.
func (m *Model) BaseStyle() types.StyleParameters {
	return m.base.Style
}
