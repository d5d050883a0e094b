package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/digime/internal/storage"
	"github.com/scrypster/digime/pkg/types"
)

// conversation is the orchestrator's view of one conversation. Messages for
// it are handled by at most one worker goroutine, in arrival order.
type conversation struct {
	id    string
	inbox chan types.Message

	// Guarded by Orchestrator.mu
	pending int
	worker  bool

	mu     sync.Mutex
	status ConversationStatus
	err    error
}

func (c *conversation) isHalted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State == types.StateHalted
}

func (c *conversation) haltErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *conversation) count(fn func(*ConversationStatus)) {
	c.mu.Lock()
	fn(&c.status)
	c.mu.Unlock()
}

func (c *conversation) snapshot() ConversationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (o *Orchestrator) conversation(id string) *conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conversationLocked(id)
}

func (o *Orchestrator) conversationLocked(id string) *conversation {
	c, ok := o.convs[id]
	if !ok {
		c = &conversation{
			id:     id,
			inbox:  make(chan types.Message, o.cfg.QueueSize),
			status: ConversationStatus{ConversationID: id, State: types.StateIdle},
		}
		o.convs[id] = c
	}
	return c
}

// route hands msg to its conversation's worker, starting one if needed.
// It blocks while the inbox is full. After ctx is done the message is only
// recorded.
func (o *Orchestrator) route(ctx context.Context, msg types.Message) {
	if msg.ConversationID == "" {
		o.logger.Warn("engine: dropping message without conversation id",
			zap.String("message_id", msg.PlatformMessageID))
		return
	}

	o.mu.Lock()
	c := o.conversationLocked(msg.ConversationID)
	if c.isHalted() {
		o.mu.Unlock()
		o.logger.Debug("engine: dropping message for halted conversation",
			zap.String("conversation_id", c.id))
		return
	}
	c.pending++
	if !c.worker {
		c.worker = true
		o.workers.Add(1)
		o.metrics.activeWorkers.Inc()
		go o.work(ctx, c, o.stop)
	}
	o.mu.Unlock()

	if ctx.Err() == nil {
		select {
		case c.inbox <- msg:
			return
		case <-ctx.Done():
		}
	}

	o.mu.Lock()
	c.pending--
	o.mu.Unlock()
	o.record(c, msg)
}

func (o *Orchestrator) work(ctx context.Context, c *conversation, stop <-chan struct{}) {
	defer o.workers.Done()
	defer o.metrics.activeWorkers.Dec()

	var idle <-chan time.Time
	var timer *time.Timer
	if o.cfg.IdleTimeout > 0 {
		timer = time.NewTimer(o.cfg.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-stop:
			o.drain(c)
			o.retire(c)
			return

		case msg := <-c.inbox:
			o.mu.Lock()
			c.pending--
			o.mu.Unlock()

			if ctx.Err() != nil {
				o.record(c, msg)
				continue
			}
			if out := o.HandleMessage(ctx, msg); out.Kind == OutcomeHalted {
				o.retire(c)
				return
			}
			if timer != nil {
				timer.Reset(o.cfg.IdleTimeout)
			}

		case <-idle:
			o.mu.Lock()
			if c.pending == 0 && len(c.inbox) == 0 {
				c.worker = false
				o.mu.Unlock()
				return
			}
			o.mu.Unlock()
			timer.Reset(o.cfg.IdleTimeout)
		}
	}
}

// drain records whatever is still queued without answering it.
func (o *Orchestrator) drain(c *conversation) {
	for {
		select {
		case msg := <-c.inbox:
			o.mu.Lock()
			c.pending--
			o.mu.Unlock()
			if _, ok := o.record(c, msg); !ok && c.isHalted() {
				return
			}
		default:
			return
		}
	}
}

func (o *Orchestrator) retire(c *conversation) {
	o.mu.Lock()
	c.worker = false
	o.mu.Unlock()
}

// forgetIdle drops status entries for conversations the store no longer
// holds.
func (o *Orchestrator) forgetIdle() {
	inspector, ok := o.store.(storage.HistoryInspector)
	if !ok {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, c := range o.convs {
		if c.worker || c.pending > 0 {
			continue
		}
		s := c.snapshot()
		if s.State != types.StateIdle {
			continue
		}
		if inspector.Summary(id).MessageCount == 0 {
			delete(o.convs, id)
		}
	}
}
