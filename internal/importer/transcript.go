// Package importer seeds conversation history from exported chat
// transcripts, so the clone has context from its first reply.
//
// A transcript is a Markdown or text file with optional YAML frontmatter:
//
//	---
//	conversation: mom
//	contact: mom
//	date: 2026-03-14
//	---
//	[09:12] mom: did you eat?
//	[09:15] me: yes, pasta
//
// Lines may carry a full "[2006-01-02 15:04]" stamp, a "[15:04]" stamp
// relative to the frontmatter date, or none. Lines that do not start a new
// message continue the previous one.
package importer

import (
	"bufio"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/scrypster/digime/pkg/types"
)

// Options control how transcript lines are interpreted.
type Options struct {
	// SelfNames are the speaker names that mean the clone's owner.
	// "me" and "self" are always included.
	SelfNames []string

	// Location interprets stamps without a zone. Nil means time.Local.
	Location *time.Location

	// Now is used for undated transcripts. Nil means time.Now.
	Now func() time.Time
}

// Transcript is one parsed conversation export.
type Transcript struct {
	ConversationID string
	Contact        string
	Messages       []types.Message
}

var (
	// [2026-03-14 09:12] name: text, [09:12] name: text, or name: text
	lineRe = regexp.MustCompile(`^(?:\[([0-9:\- T]+)\]\s*)?(\*\*)?([^:\[\]*]{1,64}?)(\*\*)?:\s?(.*)$`)

	stampLayouts = []string{
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
	}
	clockLayouts = []string{"15:04:05", "15:04"}
	dateLayouts  = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02", "January 2, 2006", "Jan 2, 2006"}
)

// ParseTranscript parses one transcript. relativePath names the
// conversation when the frontmatter does not.
func ParseTranscript(content []byte, relativePath string, opts Options) (*Transcript, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	self := map[string]bool{"me": true, "self": true}
	for _, n := range opts.SelfNames {
		self[strings.ToLower(strings.TrimSpace(n))] = true
	}

	fm, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, fmt.Errorf("importer: frontmatter in %s: %w", relativePath, err)
	}

	t := &Transcript{
		ConversationID: frontmatterString(fm, "conversation"),
		Contact:        frontmatterString(fm, "contact"),
	}
	base, dated := frontmatterDate(fm, loc)
	if !dated {
		base = now().In(loc)
	}

	var (
		last     time.Time
	)
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimRightFunc(raw, unicode.IsSpace)
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		m := lineRe.FindStringSubmatch(trimmed)
		if m == nil || strings.TrimSpace(m[3]) == "" || (m[1] == "" && strings.Contains(m[3], " ") && len(t.Messages) > 0) {
			// Continuation of the previous message.
			if n := len(t.Messages); n > 0 {
				t.Messages[n-1].Text += "\n" + trimmed
			}
			continue
		}

		at, ok := parseStamp(m[1], base, loc)
		if !ok {
			at = base
			if !last.IsZero() {
				at = last
			}
		}
		// Keep arrival order stable when stamps collide.
		if !at.After(last) && !last.IsZero() {
			at = last.Add(time.Millisecond)
		}
		last = at

		speaker := strings.TrimSpace(m[3])
		sender := speaker
		if self[strings.ToLower(speaker)] {
			sender = types.SenderSelf
		} else if t.Contact == "" {
			t.Contact = speaker
		}

		t.Messages = append(t.Messages, types.Message{
			Sender:    sender,
			Text:      strings.TrimSpace(m[5]),
			Timestamp: at,
		})
	}

	if t.ConversationID == "" {
		t.ConversationID = t.Contact
	}
	if t.ConversationID == "" {
		t.ConversationID = titleFromPath(relativePath)
	}
	if t.ConversationID == "" {
		return nil, fmt.Errorf("importer: cannot name the conversation in %s", relativePath)
	}

	kept := t.Messages[:0]
	for _, msg := range t.Messages {
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		msg.ConversationID = t.ConversationID
		msg.PlatformMessageID = messageID(t.ConversationID, msg)
		kept = append(kept, msg)
	}
	t.Messages = kept
	return t, nil
}

// messageID is stable across imports of the same line, so re-importing a
// transcript adds nothing.
func messageID(conversationID string, msg types.Message) string {
	key := strings.Join([]string{conversationID, msg.Timestamp.UTC().Format(time.RFC3339Nano), msg.Sender, msg.Text}, "\x00")
	return "import-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func parseStamp(s string, base time.Time, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range stampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	for _, layout := range clockLayouts {
		if c, err := time.ParseInLocation(layout, s, loc); err == nil {
			y, mo, d := base.Date()
			return time.Date(y, mo, d, c.Hour(), c.Minute(), c.Second(), 0, loc), true
		}
	}
	return time.Time{}, false
}

// splitFrontmatter separates YAML frontmatter (between --- delimiters) from
// the body. No frontmatter yields an empty map and the full text.
func splitFrontmatter(text string) (map[string]interface{}, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, "", err
	}
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]interface{}{}, text, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		return map[string]interface{}{}, text, nil
	}

	fm := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:closeIdx], "\n")), &fm); err != nil {
		return nil, "", fmt.Errorf("invalid YAML: %w", err)
	}
	return fm, strings.Join(lines[closeIdx+1:], "\n"), nil
}

func frontmatterString(fm map[string]interface{}, key string) string {
	if s, ok := fm[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// frontmatterDate reads the date key. yaml.v3 hands unquoted dates to an
// interface{} as strings, but a time.Time is accepted too.
func frontmatterDate(fm map[string]interface{}, loc *time.Location) (time.Time, bool) {
	switch v := fm["date"].(type) {
	case time.Time:
		y, m, d := v.Date()
		return time.Date(y, m, d, v.Hour(), v.Minute(), v.Second(), 0, loc), true
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.ParseInLocation(layout, strings.TrimSpace(v), loc); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// titleFromPath derives a conversation id from the file name.
func titleFromPath(rel string) string {
	base := filepath.Base(rel)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' || r == '@' {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
