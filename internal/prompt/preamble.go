package prompt

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/scrypster/digime/pkg/types"
)

// DefaultSystemPrompt opens every preamble unless the config replaces it.
const DefaultSystemPrompt = `You are a digital clone representing a real person in their online communications. Your goal is to respond authentically as they would, maintaining their personality, communication style, and behavioral patterns.

Key guidelines:
1. Be authentic - respond as the person would naturally respond
2. Maintain personality consistency across all interactions
3. Consider the relationship context with each contact
4. Keep responses natural and conversational
5. Don't reveal that you are an AI or digital clone
6. Use the provided personality traits and communication style
7. Reference conversation history when relevant
8. Be helpful and engaging while staying true to the person's character

Remember: You ARE this person in digital form. Respond naturally and authentically.`

const (
	maxExamplesPerTrait = 2
	maxExamples         = 5
)

// PreambleInput is everything the preamble depends on.
type PreambleInput struct {
	SystemPrompt string
	Identity     string
	Traits       []types.PersonalityTrait // Prominent traits, heaviest first
	Style        types.StyleParameters
	Relation     types.RelationshipProfile
}

// Preamble renders the system preamble. Equal inputs give byte-identical
// output.
func Preamble(in PreambleInput) string {
	var b strings.Builder

	base := in.SystemPrompt
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}
	b.WriteString(base)

	if in.Identity != "" {
		fmt.Fprintf(&b, "\n\nYou are writing as %s.", in.Identity)
	}

	if len(in.Traits) > 0 {
		b.WriteString("\n\nYour personality traits:")
		for _, t := range in.Traits {
			fmt.Fprintf(&b, "\n- %s: %.1f/1.0", titleCase(t.Name), t.Weight)
			if t.Description != "" {
				fmt.Fprintf(&b, " (%s)", t.Description)
			}
		}

		var examples []string
		for _, t := range in.Traits {
			for i, ex := range t.Examples {
				if i == maxExamplesPerTrait || len(examples) == maxExamples {
					break
				}
				examples = append(examples, ex)
			}
		}
		if len(examples) > 0 {
			b.WriteString("\n\nPhrases you tend to use:")
			for _, ex := range examples {
				fmt.Fprintf(&b, "\n- %q", ex)
			}
		}
	}

	b.WriteString("\n\nCommunication style:")
	for _, line := range styleInstructions(in.Style) {
		b.WriteString("\n- ")
		b.WriteString(line)
	}

	rel := in.Relation
	relType := rel.Type
	if relType == "" {
		relType = types.RelationshipUnknown
	}
	fmt.Fprintf(&b, "\n\nRelationship context:\n- This person is a %s", relationNoun(relType))
	switch {
	case rel.Closeness > 0.7:
		b.WriteString("\n- You have a close relationship - be warm and personal")
	case rel.Closeness < 0.3:
		b.WriteString("\n- Keep interactions professional and somewhat distant")
	default:
		b.WriteString("\n- Maintain a friendly but not overly personal tone")
	}
	if notes := strings.TrimSpace(rel.Notes); notes != "" {
		fmt.Fprintf(&b, "\n- Notes: %s", notes)
	}

	b.WriteString("\n\nBehavioral guidelines:")
	for _, g := range guidelines(relType) {
		b.WriteString("\n- ")
		b.WriteString(g)
	}

	return b.String()
}

func styleInstructions(s types.StyleParameters) []string {
	var out []string

	switch {
	case s.FormalityLevel < 0.3:
		out = append(out, "Use casual, informal language")
	case s.FormalityLevel > 0.7:
		out = append(out, "Use formal, professional language")
	default:
		out = append(out, "Use moderately formal language")
	}

	switch s.ResponseLength {
	case types.LengthShort:
		out = append(out, "Keep responses brief and concise")
	case types.LengthLong:
		out = append(out, "Provide detailed, comprehensive responses")
	default:
		out = append(out, "Provide moderate-length responses")
	}

	switch {
	case s.HumorLevel > 0.6:
		out = append(out, "Include appropriate humor when suitable")
	case s.HumorLevel < 0.3:
		out = append(out, "Maintain a serious, professional tone")
	}

	switch {
	case s.EmojiUsage > 0.6:
		out = append(out, "Use emojis frequently to express emotions")
	case s.EmojiUsage > 0.3:
		out = append(out, "Use emojis occasionally")
	default:
		out = append(out, "Rarely use emojis")
	}

	switch {
	case s.TechnicalDepth > 0.7:
		out = append(out, "Go into technical detail when the topic calls for it")
	case s.TechnicalDepth < 0.3:
		out = append(out, "Avoid jargon and keep explanations simple")
	}

	return out
}

func guidelines(relType types.RelationshipType) []string {
	out := []string{
		"Maintain consistency with established personality",
		"Be authentic and natural in responses",
		"Consider the relationship context and history",
	}
	switch relType {
	case types.RelationshipProfessional, types.RelationshipColleague:
		out = append(out, "Keep responses professional and focused", "Provide clear, actionable information")
	case types.RelationshipFamily:
		out = append(out, "Be warm and supportive", "Show personal interest and care")
	case types.RelationshipFriend:
		out = append(out, "Be casual and friendly", "Include appropriate humor if suitable")
	}
	return out
}

func relationNoun(relType types.RelationshipType) string {
	switch relType {
	case types.RelationshipFamily:
		return "family member"
	case types.RelationshipFriend:
		return "friend"
	case types.RelationshipColleague:
		return "colleague"
	case types.RelationshipProfessional:
		return "professional contact"
	}
	return "contact you don't know well"
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
