package types

import (
	"fmt"
	"time"
)

// RelationshipType classifies a contact.
type RelationshipType string

// Relationship type constants
const (
	RelationshipFamily       RelationshipType = "family"
	RelationshipFriend       RelationshipType = "friend"
	RelationshipColleague    RelationshipType = "colleague"
	RelationshipProfessional RelationshipType = "professional"
	RelationshipUnknown      RelationshipType = "unknown"
)

// ValidRelationshipTypes is a slice of all valid relationship types for validation
var ValidRelationshipTypes = []RelationshipType{
	RelationshipFamily,
	RelationshipFriend,
	RelationshipColleague,
	RelationshipProfessional,
	RelationshipUnknown,
}

// IsValidRelationshipType checks if the given relationship type is valid
func IsValidRelationshipType(relType RelationshipType) bool {
	for _, validType := range ValidRelationshipTypes {
		if validType == relType {
			return true
		}
	}
	return false
}

// Direction tells whether a message was received from or sent to a contact.
type Direction string

// Direction constants
const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// RelationshipProfile describes how the clone relates to one contact.
// Profiles are replaced wholesale, never mutated in place once published.
type RelationshipProfile struct {
	ContactID   string                 `json:"contact_id" yaml:"contact"`
	Type        RelationshipType       `json:"relationship_type" yaml:"type"`
	Closeness   float64                `json:"closeness_level" yaml:"closeness"`
	Adjustments map[StyleField]float64 `json:"personality_adjustments,omitempty" yaml:"adjustments"`
	Notes       string                 `json:"notes,omitempty" yaml:"notes"`

	// Learned from interaction patterns
	InteractionCount int       `json:"interaction_count" yaml:"-"`
	LastInteraction  time.Time `json:"last_interaction,omitempty" yaml:"-"`
	LastDirection    Direction `json:"last_direction,omitempty" yaml:"-"`
}

// UnknownProfile returns the default profile for a contact with no
// configured or learned relationship.
func UnknownProfile(contactID string) RelationshipProfile {
	return RelationshipProfile{
		ContactID: contactID,
		Type:      RelationshipUnknown,
		Closeness: 0,
	}
}

// Clone returns a deep copy of the profile.
func (p RelationshipProfile) Clone() RelationshipProfile {
	if p.Adjustments != nil {
		adj := make(map[StyleField]float64, len(p.Adjustments))
		for k, v := range p.Adjustments {
			adj[k] = v
		}
		p.Adjustments = adj
	}
	return p
}

// Validate checks the profile invariants.
func (p RelationshipProfile) Validate() error {
	if p.ContactID == "" {
		return fmt.Errorf("relationship contact id is required")
	}
	if !IsValidRelationshipType(p.Type) {
		return fmt.Errorf("relationship %q: invalid type %q", p.ContactID, p.Type)
	}
	if !(p.Closeness >= 0 && p.Closeness <= 1) {
		return fmt.Errorf("relationship %q: closeness must be between 0 and 1, got %v", p.ContactID, p.Closeness)
	}
	for field := range p.Adjustments {
		if !IsValidStyleField(field) {
			return fmt.Errorf("relationship %q: unknown style field %q", p.ContactID, field)
		}
	}
	return nil
}

// Interaction is a single observed exchange with a contact, used to learn
// closeness over time.
type Interaction struct {
	ContactID string
	Direction Direction
	At        time.Time
}
