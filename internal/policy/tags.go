package policy

import (
	"sort"
	"strings"
	"unicode"

	"github.com/scrypster/digime/pkg/types"
)

// Context tags derived from a message.
const (
	TagInquiry        = "inquiry"
	TagGreeting       = "greeting"
	TagUrgent         = "urgent"
	TagSupport        = "support"
	TagTechnical      = "technical"
	TagProblemSolving = "problem_solving"
	TagPlanning       = "planning"
	TagAdvice         = "advice"
	TagDecision       = "decision_making"
	TagCasual         = "casual"
	TagSocial         = "social"
	TagWork           = "work"
	TagProfessional   = "professional"
)

var (
	questionWords = wordSet("what", "why", "how", "when", "where", "who", "which",
		"can", "could", "would", "should", "is", "are", "do", "does", "did", "will", "any")

	greetingWords = wordSet("hi", "hello", "hey", "heya", "hiya", "yo", "morning",
		"evening", "afternoon", "greetings", "howdy", "sup")

	urgentWords = wordSet("urgent", "asap", "emergency", "immediately", "now", "quick", "quickly")

	supportWords = wordSet("help", "issue", "problem", "stuck", "broken", "fix", "trouble", "support", "error")

	technicalWords = wordSet("code", "bug", "deploy", "server", "api", "database", "build",
		"config", "install", "error", "crash", "logs", "query", "git", "docker", "kubernetes", "script")

	planningWords = wordSet("plan", "schedule", "meeting", "tomorrow", "week", "deadline", "calendar", "agenda")

	adviceWords = wordSet("advice", "recommend", "suggest", "suggestion", "opinion", "think", "choose", "option")
)

func wordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// tokenize lowercases text and splits it into words.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func containsAny(tokens []string, set map[string]struct{}) bool {
	for _, t := range tokens {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

// DeriveTags returns the context tags for a message from a contact of the
// given relationship type.
func DeriveTags(text string, relType types.RelationshipType) map[string]struct{} {
	tags := make(map[string]struct{})
	add := func(names ...string) {
		for _, n := range names {
			tags[n] = struct{}{}
		}
	}

	tokens := tokenize(text)
	if strings.Contains(text, "?") {
		add(TagInquiry)
	} else if len(tokens) > 0 {
		if _, ok := questionWords[tokens[0]]; ok {
			add(TagInquiry)
		}
	}
	if len(tokens) > 0 {
		if _, ok := greetingWords[tokens[0]]; ok {
			add(TagGreeting)
		}
	}
	if containsAny(tokens, urgentWords) {
		add(TagUrgent)
	}
	if containsAny(tokens, supportWords) {
		add(TagSupport, TagProblemSolving)
	}
	if containsAny(tokens, technicalWords) {
		add(TagTechnical)
	}
	if containsAny(tokens, planningWords) {
		add(TagPlanning)
	}
	if containsAny(tokens, adviceWords) {
		add(TagAdvice, TagDecision)
	}

	switch relType {
	case types.RelationshipFamily, types.RelationshipFriend:
		add(TagCasual, TagSocial)
	case types.RelationshipColleague, types.RelationshipProfessional:
		add(TagWork, TagProfessional)
	}
	return tags
}

// SortedTags returns the tag names in order.
func SortedTags(tags map[string]struct{}) []string {
	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// matchTrigger returns the first trigger found in text. Single words match
// whole tokens; phrases match as substrings.
func matchTrigger(text string, triggers []string) (string, bool) {
	lower := strings.ToLower(text)
	tokens := wordSet(tokenize(text)...)
	for _, trig := range triggers {
		t := strings.ToLower(strings.TrimSpace(trig))
		if t == "" {
			continue
		}
		if strings.ContainsRune(t, ' ') {
			if strings.Contains(lower, t) {
				return trig, true
			}
			continue
		}
		if _, ok := tokens[t]; ok {
			return trig, true
		}
	}
	return "", false
}
