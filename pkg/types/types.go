// Package types defines the core data structures for the digime clone:
// personality traits, style parameters, relationship profiles, conversation
// messages, generation requests and the observability events emitted while
// a message moves through the response pipeline.
package types

import (
	"fmt"
	"math"
)

// ResponseLength is the coarse length preference of a generated reply.
type ResponseLength string

// Response length constants
const (
	LengthShort  ResponseLength = "short"
	LengthMedium ResponseLength = "medium"
	LengthLong   ResponseLength = "long"
)

// ValidResponseLengths is a slice of all valid response lengths for validation
var ValidResponseLengths = []ResponseLength{LengthShort, LengthMedium, LengthLong}

// IsValidResponseLength checks if the given length is one of the known buckets.
func IsValidResponseLength(length ResponseLength) bool {
	for _, valid := range ValidResponseLengths {
		if length == valid {
			return true
		}
	}
	return false
}

// Score maps a length onto the ordinal scale used when applying deltas:
// short=0, medium=0.5, long=1. Unknown lengths score as medium.
func (l ResponseLength) Score() float64 {
	switch l {
	case LengthShort:
		return 0
	case LengthLong:
		return 1
	default:
		return 0.5
	}
}

// LengthFromScore maps an ordinal score back to the nearest length bucket.
func LengthFromScore(score float64) ResponseLength {
	score = Clamp01(score)
	switch {
	case score < 0.25:
		return LengthShort
	case score > 0.75:
		return LengthLong
	default:
		return LengthMedium
	}
}

// StyleField names a tunable field of StyleParameters. Trait influences and
// relationship adjustments are keyed by these names.
type StyleField string

// Style field constants
const (
	FieldFormality           StyleField = "formality_level"
	FieldHumor               StyleField = "humor_level"
	FieldEmoji               StyleField = "emoji_usage"
	FieldTechnicalDepth      StyleField = "technical_depth"
	FieldResponseProbability StyleField = "response_probability"
	FieldResponseLength      StyleField = "response_length"
)

// ValidStyleFields is a slice of all valid style fields for validation
var ValidStyleFields = []StyleField{
	FieldFormality,
	FieldHumor,
	FieldEmoji,
	FieldTechnicalDepth,
	FieldResponseProbability,
	FieldResponseLength,
}

// IsValidStyleField checks if the given field name is known.
func IsValidStyleField(field StyleField) bool {
	for _, valid := range ValidStyleFields {
		if field == valid {
			return true
		}
	}
	return false
}

// StyleParameters are the knobs controlling the tone of a generated reply.
// Every numeric field lies in [0,1]. A fresh value is computed per decision.
type StyleParameters struct {
	FormalityLevel      float64        `json:"formality_level" yaml:"formality_level"`
	HumorLevel          float64        `json:"humor_level" yaml:"humor_level"`
	EmojiUsage          float64        `json:"emoji_usage" yaml:"emoji_usage"`
	TechnicalDepth      float64        `json:"technical_depth" yaml:"technical_depth"`
	ResponseProbability float64        `json:"response_probability" yaml:"response_probability"`
	ResponseLength      ResponseLength `json:"response_length" yaml:"response_length"`
}

// Get returns the numeric value of a field. For FieldResponseLength it
// returns the ordinal score of the length.
func (s StyleParameters) Get(field StyleField) float64 {
	switch field {
	case FieldFormality:
		return s.FormalityLevel
	case FieldHumor:
		return s.HumorLevel
	case FieldEmoji:
		return s.EmojiUsage
	case FieldTechnicalDepth:
		return s.TechnicalDepth
	case FieldResponseProbability:
		return s.ResponseProbability
	case FieldResponseLength:
		return s.ResponseLength.Score()
	}
	return 0
}

// Set stores a value into a field without clamping.
func (s *StyleParameters) Set(field StyleField, value float64) {
	switch field {
	case FieldFormality:
		s.FormalityLevel = value
	case FieldHumor:
		s.HumorLevel = value
	case FieldEmoji:
		s.EmojiUsage = value
	case FieldTechnicalDepth:
		s.TechnicalDepth = value
	case FieldResponseProbability:
		s.ResponseProbability = value
	case FieldResponseLength:
		s.ResponseLength = LengthFromScore(value)
	}
}

// Clamped returns a copy with every numeric field clamped to [0,1] and an
// invalid length replaced by medium.
func (s StyleParameters) Clamped() StyleParameters {
	s.FormalityLevel = Clamp01(s.FormalityLevel)
	s.HumorLevel = Clamp01(s.HumorLevel)
	s.EmojiUsage = Clamp01(s.EmojiUsage)
	s.TechnicalDepth = Clamp01(s.TechnicalDepth)
	s.ResponseProbability = Clamp01(s.ResponseProbability)
	if !IsValidResponseLength(s.ResponseLength) {
		s.ResponseLength = LengthMedium
	}
	return s
}

// Validate reports the first field that is outside [0,1] or an unknown length.
func (s StyleParameters) Validate() error {
	for _, field := range ValidStyleFields {
		if field == FieldResponseLength {
			continue
		}
		if v := s.Get(field); !(v >= 0 && v <= 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %v", field, v)
		}
	}
	if !IsValidResponseLength(s.ResponseLength) {
		return fmt.Errorf("response_length must be short, medium or long, got %q", s.ResponseLength)
	}
	return nil
}

// PersonalityTrait is a weighted behavioral trait of the cloned person.
type PersonalityTrait struct {
	Name           string   `json:"name" yaml:"name"`
	Weight         float64  `json:"weight" yaml:"weight"`
	Description    string   `json:"description" yaml:"description"`
	Examples       []string `json:"examples,omitempty" yaml:"examples"`
	ActiveContexts []string `json:"active_contexts,omitempty" yaml:"active_contexts"`

	// Influences is the signed strength with which the trait pushes style
	// fields. A trait without influences only shapes the preamble text.
	Influences map[StyleField]float64 `json:"influences,omitempty" yaml:"influences"`
}

// NewPersonalityTrait builds a trait with its weight clamped to [0,1].
func NewPersonalityTrait(name string, weight float64, description string) PersonalityTrait {
	return PersonalityTrait{
		Name:        name,
		Weight:      Clamp01(weight),
		Description: description,
	}
}

// ActiveFor reports whether the trait fires for the given context tags. A
// trait with no active contexts is always active.
func (t PersonalityTrait) ActiveFor(tags map[string]struct{}) bool {
	if len(t.ActiveContexts) == 0 {
		return true
	}
	for _, c := range t.ActiveContexts {
		if _, ok := tags[c]; ok {
			return true
		}
	}
	return false
}

// Validate checks name, weight range and influence keys.
func (t PersonalityTrait) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("trait name is required")
	}
	if !(t.Weight >= 0 && t.Weight <= 1) {
		return fmt.Errorf("trait %q: weight must be between 0 and 1, got %v", t.Name, t.Weight)
	}
	for field := range t.Influences {
		if !IsValidStyleField(field) {
			return fmt.Errorf("trait %q: unknown style field %q", t.Name, field)
		}
	}
	return nil
}

// Clamp01 clamps v to [0,1]. NaN clamps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
