package engine

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/scrypster/digime/internal/storage"
	"github.com/scrypster/digime/pkg/types"
)

// ConversationStatus describes one conversation.
type ConversationStatus struct {
	ConversationID string                  `json:"conversation_id"`
	State          types.ConversationState `json:"state"`
	Received       int                     `json:"received"`
	Replied        int                     `json:"replied"`
	Suppressed     int                     `json:"suppressed"`
	Failed         int                     `json:"failed"`
	LastActivity   time.Time               `json:"last_activity,omitempty"`
	Error          string                  `json:"error,omitempty"`
}

// Totals are process-wide counters.
type Totals struct {
	Received         int64 `json:"received"`
	Duplicates       int64 `json:"duplicates"`
	Suppressed       int64 `json:"suppressed"`
	GenerationFailed int64 `json:"generation_failed"`
	Dispatched       int64 `json:"dispatched"`
	DispatchFailed   int64 `json:"dispatch_failed"`
	PacingAborted    int64 `json:"pacing_aborted"`
	PollErrors       int64 `json:"poll_errors"`
}

// Status is a snapshot of the orchestrator.
type Status struct {
	Running       bool                 `json:"running"`
	StartedAt     time.Time            `json:"started_at,omitempty"`
	Breaker       string               `json:"breaker,omitempty"`
	Workers       int                  `json:"workers"`
	Totals        Totals               `json:"totals"`
	Conversations []ConversationStatus `json:"conversations"`
	Store         *storage.Stats       `json:"store,omitempty"`
}

type totals struct {
	received         atomic.Int64
	duplicates       atomic.Int64
	suppressed       atomic.Int64
	generationFailed atomic.Int64
	dispatched       atomic.Int64
	dispatchFailed   atomic.Int64
	pacingAborted    atomic.Int64
	pollErrors       atomic.Int64
}

func (t *totals) snapshot() Totals {
	return Totals{
		Received:         t.received.Load(),
		Duplicates:       t.duplicates.Load(),
		Suppressed:       t.suppressed.Load(),
		GenerationFailed: t.generationFailed.Load(),
		Dispatched:       t.dispatched.Load(),
		DispatchFailed:   t.dispatchFailed.Load(),
		PacingAborted:    t.pacingAborted.Load(),
		PollErrors:       t.pollErrors.Load(),
	}
}

// Status returns per-conversation states, counters and the breaker state.
// Conversations are sorted by id.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	convs := make([]*conversation, 0, len(o.convs))
	workers := 0
	for _, c := range o.convs {
		convs = append(convs, c)
		if c.worker {
			workers++
		}
	}
	started := o.startedAt
	o.mu.Unlock()

	st := Status{
		Running:       o.running.Load(),
		StartedAt:     started,
		Workers:       workers,
		Totals:        o.totals.snapshot(),
		Conversations: make([]ConversationStatus, 0, len(convs)),
	}
	for _, c := range convs {
		st.Conversations = append(st.Conversations, c.snapshot())
	}
	sort.Slice(st.Conversations, func(i, j int) bool {
		return st.Conversations[i].ConversationID < st.Conversations[j].ConversationID
	})

	if br, ok := o.generator.(BreakerReporter); ok {
		st.Breaker = br.BreakerState()
	}
	if inspector, ok := o.store.(storage.HistoryInspector); ok {
		stats := inspector.Stats()
		st.Store = &stats
	}
	return st
}
