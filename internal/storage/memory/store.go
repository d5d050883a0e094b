// Package memory implements storage.ConversationStore as a bounded, sharded
// in-memory history with optional write-through to a storage.Journal.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/digime/internal/storage"
	"github.com/scrypster/digime/pkg/types"
)

// Default bounds for a conversation window.
const (
	DefaultMaxMessages = 100
	DefaultMaxAge      = 30 * 24 * time.Hour
)

// shard is the history of one conversation. All fields are guarded by mu.
type shard struct {
	mu       sync.RWMutex
	messages []types.Message
	live     map[string]struct{} // ids currently in the window
	evicted  map[string]struct{} // ids recently dropped from the window
	order    []string            // eviction order of evicted ids
	dead     bool                // removed by Prune; callers must re-resolve

	// journalMu orders journal writes for this conversation. It is taken
	// before mu is released so records reach the journal in append order
	// without holding mu across I/O.
	journalMu sync.Mutex
}

// Store is the in-memory conversation store.
type Store struct {
	mu     sync.RWMutex
	shards map[string]*shard

	maxMessages int
	maxAge      time.Duration
	journal     storage.Journal
	logger      *zap.Logger
	now         func() time.Time

	duplicates atomic.Int64
	evictions  atomic.Int64
	pruned     atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithLimits sets the count and age caps. Non-positive values keep defaults.
func WithLimits(maxMessages int, maxAge time.Duration) Option {
	return func(s *Store) {
		if maxMessages > 0 {
			s.maxMessages = maxMessages
		}
		if maxAge > 0 {
			s.maxAge = maxAge
		}
	}
}

// WithJournal enables write-through persistence.
func WithJournal(j storage.Journal) Option {
	return func(s *Store) { s.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		shards:      make(map[string]*shard),
		maxMessages: DefaultMaxMessages,
		maxAge:      DefaultMaxAge,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compile-time interface checks.
var (
	_ storage.ConversationStore = (*Store)(nil)
	_ storage.HistoryInspector  = (*Store)(nil)
)

// lookup returns the shard for id, or nil.
func (s *Store) lookup(id string) *shard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shards[id]
}

// shardFor returns the shard for id, creating it if needed. The map lock is
// only held for writing while a new shard is created.
func (s *Store) shardFor(id string) *shard {
	if sh := s.lookup(id); sh != nil {
		return sh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok := s.shards[id]; ok {
		return sh
	}
	sh := &shard{
		live:    make(map[string]struct{}),
		evicted: make(map[string]struct{}),
	}
	s.shards[id] = sh
	return sh
}

// Append records msg in the conversation. It returns false when the message
// was not accepted: a duplicate platform id, or a message already older than
// the age cap.
func (s *Store) Append(ctx context.Context, conversationID string, msg types.Message) (bool, error) {
	return s.append(ctx, conversationID, msg, true)
}

func (s *Store) append(ctx context.Context, conversationID string, msg types.Message, journal bool) (bool, error) {
	if conversationID == "" {
		return false, fmt.Errorf("%w: conversation id is required", storage.ErrInvalidInput)
	}
	if msg.PlatformMessageID == "" {
		return false, fmt.Errorf("%w: platform message id is required", storage.ErrInvalidInput)
	}
	msg.ConversationID = conversationID

	now := s.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}

	for {
		sh := s.shardFor(conversationID)
		sh.mu.Lock()
		if sh.dead {
			sh.mu.Unlock()
			continue
		}
		accepted, err := s.appendLocked(sh, msg, now)
		if !accepted || !journal || s.journal == nil {
			sh.mu.Unlock()
			return accepted, err
		}
		sh.journalMu.Lock()
		sh.mu.Unlock()
		s.record(ctx, msg)
		sh.journalMu.Unlock()
		return true, nil
	}
}

func (s *Store) record(ctx context.Context, msg types.Message) {
	if err := s.journal.Record(ctx, msg.ConversationID, msg, s.maxMessages); err != nil {
		s.logger.Warn("memory: journal write failed",
			zap.String("conversation", msg.ConversationID),
			zap.String("message_id", msg.PlatformMessageID),
			zap.Error(err))
	}
}

func (s *Store) appendLocked(sh *shard, msg types.Message, now time.Time) (bool, error) {
	id := msg.PlatformMessageID
	if _, ok := sh.live[id]; ok {
		s.duplicates.Add(1)
		return false, nil
	}
	if _, ok := sh.evicted[id]; ok {
		s.duplicates.Add(1)
		return false, nil
	}
	if msg.Timestamp.Before(now.Add(-s.maxAge)) {
		return false, nil
	}

	sh.messages = append(sh.messages, msg)
	sh.live[id] = struct{}{}
	s.evict(sh, now)

	if err := s.check(sh, now); err != nil {
		s.logger.Error("memory: window invariant broken",
			zap.String("conversation", msg.ConversationID),
			zap.Int("size", len(sh.messages)),
			zap.Error(err))
		return false, err
	}
	return true, nil
}

// evict drops messages past the age cap, then the oldest messages beyond the
// count cap. Dropped ids are remembered so redeliveries stay duplicates.
func (s *Store) evict(sh *shard, now time.Time) {
	cutoff := now.Add(-s.maxAge)
	kept := sh.messages[:0]
	var dropped []string
	for _, m := range sh.messages {
		if m.Timestamp.Before(cutoff) {
			dropped = append(dropped, m.PlatformMessageID)
			continue
		}
		kept = append(kept, m)
	}
	if over := len(kept) - s.maxMessages; over > 0 {
		for _, m := range kept[:over] {
			dropped = append(dropped, m.PlatformMessageID)
		}
		kept = append(kept[:0], kept[over:]...)
	}
	// Zero the tail so evicted text is not retained by the backing array.
	for i := len(kept); i < len(sh.messages); i++ {
		sh.messages[i] = types.Message{}
	}
	sh.messages = kept

	for _, id := range dropped {
		delete(sh.live, id)
		sh.evicted[id] = struct{}{}
		sh.order = append(sh.order, id)
	}
	s.evictions.Add(int64(len(dropped)))

	if limit := 2 * s.maxMessages; len(sh.order) > limit {
		for _, id := range sh.order[:len(sh.order)-limit] {
			delete(sh.evicted, id)
		}
		sh.order = append([]string(nil), sh.order[len(sh.order)-limit:]...)
	}
}

// check verifies the window bounds after eviction.
func (s *Store) check(sh *shard, now time.Time) error {
	if len(sh.messages) > s.maxMessages {
		return fmt.Errorf("%w: %d messages exceed cap %d", storage.ErrInvariantViolation, len(sh.messages), s.maxMessages)
	}
	cutoff := now.Add(-s.maxAge)
	for _, m := range sh.messages {
		if m.Timestamp.Before(cutoff) {
			return fmt.Errorf("%w: message %s older than %s", storage.ErrInvariantViolation, m.PlatformMessageID, s.maxAge)
		}
	}
	if len(sh.live) != len(sh.messages) {
		return fmt.Errorf("%w: id index out of sync", storage.ErrInvariantViolation)
	}
	return nil
}

// Window returns at most max of the most recent messages, oldest first.
func (s *Store) Window(conversationID string, max int) []types.Message {
	sh := s.lookup(conversationID)
	if sh == nil || max <= 0 {
		return []types.Message{}
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s.evict(sh, s.now())

	start := len(sh.messages) - max
	if start < 0 {
		start = 0
	}
	out := make([]types.Message, len(sh.messages)-start)
	copy(out, sh.messages[start:])
	return out
}

// HasRecentActivity reports whether any message is newer than now-within.
func (s *Store) HasRecentActivity(conversationID string, within time.Duration) bool {
	return s.recent(conversationID, within, func(types.Message) bool { return true })
}

// HasRecentReply reports whether the clone replied within the duration.
func (s *Store) HasRecentReply(conversationID string, within time.Duration) bool {
	return s.recent(conversationID, within, types.Message.FromSelf)
}

func (s *Store) recent(conversationID string, within time.Duration, match func(types.Message) bool) bool {
	sh := s.lookup(conversationID)
	if sh == nil {
		return false
	}
	cutoff := s.now().Add(-within)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	for i := len(sh.messages) - 1; i >= 0; i-- {
		m := sh.messages[i]
		if !m.Timestamp.Before(cutoff) && match(m) {
			return true
		}
	}
	return false
}

// Summary describes a conversation. Unknown ids return a zero summary with
// the id filled in.
func (s *Store) Summary(conversationID string) storage.ConversationSummary {
	sum := storage.ConversationSummary{ConversationID: conversationID, Participants: []string{}}
	sh := s.lookup(conversationID)
	if sh == nil {
		return sum
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	seen := make(map[string]bool)
	for i, m := range sh.messages {
		if i == 0 {
			sum.FirstMessage = m.Timestamp
		}
		sum.LastMessage = m.Timestamp
		if m.FromSelf() {
			sum.OutboundCount++
			sum.LastReply = m.Timestamp
			continue
		}
		sum.InboundCount++
		if !seen[m.Sender] {
			seen[m.Sender] = true
			sum.Participants = append(sum.Participants, m.Sender)
		}
	}
	sum.MessageCount = len(sh.messages)
	sort.Strings(sum.Participants)
	return sum
}

// ActiveConversations lists conversations with activity within the duration.
func (s *Store) ActiveConversations(within time.Duration) []string {
	var out []string
	for _, id := range s.ids() {
		if s.HasRecentActivity(id, within) {
			out = append(out, id)
		}
	}
	return out
}

// Search finds messages whose text contains query, case-insensitively,
// newest first.
func (s *Store) Search(query string, limit int) []storage.SearchHit {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || limit <= 0 {
		return nil
	}
	var hits []storage.SearchHit
	for _, id := range s.ids() {
		sh := s.lookup(id)
		if sh == nil {
			continue
		}
		sh.mu.RLock()
		for _, m := range sh.messages {
			if strings.Contains(strings.ToLower(m.Text), q) {
				hits = append(hits, storage.SearchHit{
					ConversationID:    id,
					PlatformMessageID: m.PlatformMessageID,
					Sender:            m.Sender,
					Text:              m.Text,
					Timestamp:         m.Timestamp,
				})
			}
		}
		sh.mu.RUnlock()
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Timestamp.After(hits[j].Timestamp) })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Stats returns store-wide counters.
func (s *Store) Stats() storage.Stats {
	st := storage.Stats{
		Duplicates: int(s.duplicates.Load()),
		Evicted:    int(s.evictions.Load()),
		Pruned:     int(s.pruned.Load()),
	}
	for _, id := range s.ids() {
		if sh := s.lookup(id); sh != nil {
			sh.mu.RLock()
			st.Messages += len(sh.messages)
			sh.mu.RUnlock()
			st.Conversations++
		}
	}
	return st
}

// Prune applies age eviction everywhere and drops conversations left empty.
// It returns the number of conversations removed.
func (s *Store) Prune(ctx context.Context) int {
	now := s.now()
	var removed []string

	s.mu.Lock()
	for id, sh := range s.shards {
		sh.mu.Lock()
		s.evict(sh, now)
		if len(sh.messages) == 0 {
			sh.dead = true
			delete(s.shards, id)
			removed = append(removed, id)
		}
		sh.mu.Unlock()
	}
	s.mu.Unlock()

	s.pruned.Add(int64(len(removed)))
	if s.journal != nil {
		for _, id := range removed {
			if err := s.journal.Forget(ctx, id); err != nil {
				s.logger.Warn("memory: journal forget failed", zap.String("conversation", id), zap.Error(err))
			}
		}
	}
	return len(removed)
}

// Restore replays the journal into the store without writing back to it.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	n := 0
	err := s.journal.Replay(ctx, func(conversationID string, msg types.Message) error {
		ok, err := s.append(ctx, conversationID, msg, false)
		if err != nil {
			return err
		}
		if ok {
			n++
		}
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("memory: restore failed: %w", err)
	}
	s.logger.Info("memory: restored history", zap.Int("messages", n))
	return n, nil
}

func (s *Store) ids() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.shards))
	for id := range s.shards {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
