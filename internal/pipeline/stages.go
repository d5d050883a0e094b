package pipeline

import (
	"context"
	"strings"

	"github.com/scrypster/digime/pkg/types"
)

// DefaultReplyPrefixes are preambles models like to put before the reply.
var DefaultReplyPrefixes = []string{
	"Here's my response:",
	"I would respond:",
	"My response:",
	"Response:",
	"I'd say:",
}

// DefaultShortReplyLimit is the length above which a short-style reply is
// cut back to its first sentence.
const DefaultShortReplyLimit = 200

// NormalizeWhitespace trims the text and collapses runs of spaces and tabs.
// Line breaks are kept.
type NormalizeWhitespace struct{}

// Name implements InboundStage and OutboundStage.
func (NormalizeWhitespace) Name() string { return "normalize_whitespace" }

// Inbound implements InboundStage.
func (NormalizeWhitespace) Inbound(_ context.Context, msg types.Message) (types.Message, error) {
	msg.Text = normalize(msg.Text)
	return msg, nil
}

// Outbound implements OutboundStage.
func (NormalizeWhitespace) Outbound(_ context.Context, r Reply) (Reply, error) {
	r.Text = normalize(r.Text)
	return r, nil
}

func normalize(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.Join(lines, "\n")
}

// StripReplyPrefixes removes model preambles such as "Response:" from the
// start of a reply. Matching is case-insensitive.
type StripReplyPrefixes struct {
	Prefixes []string // Defaults to DefaultReplyPrefixes
}

// Name implements OutboundStage.
func (StripReplyPrefixes) Name() string { return "strip_reply_prefixes" }

// Outbound implements OutboundStage.
func (s StripReplyPrefixes) Outbound(_ context.Context, r Reply) (Reply, error) {
	prefixes := s.Prefixes
	if prefixes == nil {
		prefixes = DefaultReplyPrefixes
	}
	text := strings.TrimSpace(r.Text)
	for _, p := range prefixes {
		if len(text) >= len(p) && strings.EqualFold(text[:len(p)], p) {
			text = strings.TrimSpace(text[len(p):])
		}
	}
	r.Text = text
	return r, nil
}

// TrimShortReplies cuts a reply down to its first sentence when the style
// asks for short replies and the text runs past MaxChars.
type TrimShortReplies struct {
	MaxChars int // Defaults to DefaultShortReplyLimit
}

// Name implements OutboundStage.
func (TrimShortReplies) Name() string { return "trim_short_replies" }

// Outbound implements OutboundStage.
func (t TrimShortReplies) Outbound(_ context.Context, r Reply) (Reply, error) {
	limit := t.MaxChars
	if limit <= 0 {
		limit = DefaultShortReplyLimit
	}
	if r.Style.ResponseLength != types.LengthShort || len(r.Text) <= limit {
		return r, nil
	}
	if i := strings.Index(r.Text, ". "); i >= 0 {
		r.Text = r.Text[:i+1]
	}
	return r, nil
}

// DropEmpty filters replies that are empty after the other stages ran.
type DropEmpty struct{}

// Name implements OutboundStage.
func (DropEmpty) Name() string { return "drop_empty" }

// Outbound implements OutboundStage.
func (DropEmpty) Outbound(_ context.Context, r Reply) (Reply, error) {
	if strings.TrimSpace(r.Text) == "" {
		return r, ErrDrop
	}
	return r, nil
}

var (
	_ InboundStage  = NormalizeWhitespace{}
	_ OutboundStage = NormalizeWhitespace{}
	_ OutboundStage = StripReplyPrefixes{}
	_ OutboundStage = TrimShortReplies{}
	_ OutboundStage = DropEmpty{}
)
