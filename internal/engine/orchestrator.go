package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/scrypster/digime/internal/llm"
	"github.com/scrypster/digime/internal/pipeline"
	"github.com/scrypster/digime/internal/policy"
	"github.com/scrypster/digime/internal/storage"
	"github.com/scrypster/digime/internal/transport"
	"github.com/scrypster/digime/pkg/types"
)

var (
	// ErrAlreadyRunning is returned by Run when the orchestrator is running.
	ErrAlreadyRunning = errors.New("orchestrator already running")

	// ErrShutdownTimeout is returned by Run when workers did not finish in time.
	ErrShutdownTimeout = errors.New("orchestrator shutdown timed out")
)

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Transport     transport.Transport
	Store         storage.ConversationStore
	Policy        Decider
	Builder       RequestBuilder
	Generator     Generator
	Relationships RelationshipObserver // Optional
	Pipeline      *pipeline.Chain      // Optional, defaults to pipeline.Default
}

// Orchestrator runs the per-conversation response state machine.
type Orchestrator struct {
	cfg           Config
	transport     transport.Transport
	store         storage.ConversationStore
	policy        Decider
	builder       RequestBuilder
	generator     Generator
	relationships RelationshipObserver
	pipeline      *pipeline.Chain
	limiter       *rate.Limiter
	metrics       *Metrics
	logger        *zap.Logger
	observers     []Observer
	now           func() time.Time

	randMu sync.Mutex
	random func() float64

	mu        sync.Mutex
	convs     map[string]*conversation
	stop      chan struct{}
	workers   sync.WaitGroup
	running   atomic.Bool
	startedAt time.Time

	totals totals
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver adds an event observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithRandom sets the source of pacing jitter, a function returning [0, 1).
func WithRandom(fn func() float64) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.random = fn
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	switch {
	case deps.Transport == nil:
		return nil, fmt.Errorf("transport is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("conversation store is required")
	case deps.Policy == nil:
		return nil, fmt.Errorf("response policy is required")
	case deps.Builder == nil:
		return nil, fmt.Errorf("prompt builder is required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("generator is required")
	}

	o := &Orchestrator{
		cfg:           cfg,
		transport:     deps.Transport,
		store:         deps.Store,
		policy:        deps.Policy,
		builder:       deps.Builder,
		generator:     deps.Generator,
		relationships: deps.Relationships,
		pipeline:      deps.Pipeline,
		logger:        zap.NewNop(),
		now:           time.Now,
		convs:         make(map[string]*conversation),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	if o.pipeline == nil {
		o.pipeline = pipeline.Default(o.logger)
	}
	if o.random == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		o.random = rng.Float64
	}

	limit := rate.Inf
	burst := cfg.RateBurst
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(cfg.RatePerMinute / 60)
	}
	if burst < 1 {
		burst = 1
	}
	o.limiter = rate.NewLimiter(limit, burst)

	return o, nil
}

// Metrics returns the orchestrator's collectors.
func (o *Orchestrator) Metrics() *Metrics { return o.metrics }

// Run polls the transport until ctx is cancelled, then waits up to
// ShutdownTimeout for conversation workers to finish. Messages still queued
// at shutdown are recorded but not answered.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer o.running.Store(false)

	stop := make(chan struct{})
	o.mu.Lock()
	o.stop = stop
	o.startedAt = o.now()
	o.mu.Unlock()

	o.logger.Info("engine: started",
		zap.Duration("scan_interval", o.cfg.ScanInterval),
		zap.Duration("min_delay", o.cfg.MinDelay),
		zap.Duration("max_delay", o.cfg.MaxDelay))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o.pollLoop(gctx)
		return nil
	})
	if o.cfg.PruneInterval > 0 {
		g.Go(func() error {
			o.pruneLoop(gctx)
			return nil
		})
	}
	_ = g.Wait()

	// No more routing can happen; let workers drain their inboxes.
	close(stop)
	err := o.waitWorkers()
	o.logger.Info("engine: stopped", zap.Error(err))
	return err
}

func (o *Orchestrator) waitWorkers() error {
	done := make(chan struct{})
	go func() {
		o.workers.Wait()
		close(done)
	}()

	if o.cfg.ShutdownTimeout <= 0 {
		<-done
		return nil
	}
	timer := time.NewTimer(o.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		o.logger.Warn("engine: workers still busy after shutdown timeout",
			zap.Duration("timeout", o.cfg.ShutdownTimeout))
		return ErrShutdownTimeout
	}
}

func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		o.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) pollOnce(ctx context.Context) {
	msgs, err := o.transport.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.totals.pollErrors.Add(1)
		o.logger.Warn("engine: poll failed, backing off", zap.Error(err))
		sleep(ctx, o.cfg.ScanInterval)
		return
	}

	for _, m := range msgs {
		in, err := o.pipeline.RunInbound(ctx, m)
		if err != nil {
			if !errors.Is(err, pipeline.ErrDrop) {
				o.logger.Warn("engine: inbound stage failed",
					zap.String("conversation_id", m.ConversationID),
					zap.Error(err))
			}
			continue
		}
		o.route(ctx, in)
	}
}

func (o *Orchestrator) pruneLoop(ctx context.Context) {
	pruner, ok := o.store.(Pruner)
	if !ok {
		return
	}
	ticker := time.NewTicker(o.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := pruner.Prune(ctx)
			o.metrics.recordPrune(n)
			o.forgetIdle()
			if n > 0 {
				o.logger.Info("engine: pruned inactive conversations", zap.Int("count", n))
			}
		}
	}
}

// HandleMessage runs one message through the full state machine. Calls for
// the same conversation must not overlap; Run guarantees this by giving each
// conversation a single worker.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg types.Message) Outcome {
	convID := msg.ConversationID
	if convID == "" {
		return Outcome{Kind: OutcomeRejected, Err: fmt.Errorf("%w: conversation id is required", storage.ErrInvalidInput)}
	}
	c := o.conversation(convID)
	if c.isHalted() {
		return Outcome{Kind: OutcomeHalted, Err: c.haltErr()}
	}

	if out, ok := o.record(c, msg); !ok {
		return out
	}
	if ctx.Err() != nil {
		return Outcome{Kind: OutcomeDropped, Reason: "shutdown"}
	}

	if o.cfg.AutoMarkRead && !msg.FromSelf() {
		if err := o.transport.MarkRead(ctx, convID); err != nil {
			o.logger.Debug("engine: mark read failed", zap.String("conversation_id", convID), zap.Error(err))
		}
	}

	// Deciding
	o.transition(c, types.StateDeciding)
	decision := o.policy.Decide(ctx, msg, convID)
	o.metrics.decisions.WithLabelValues(string(decision.Kind), decision.Reason).Inc()
	if decision.Reason != policy.ReasonIgnoredSender {
		o.observe(ctx, msg, contactFor(msg), directionOf(msg), msg.Timestamp)
	}
	if decision.Kind == policy.Suppress {
		o.totals.suppressed.Add(1)
		c.count(func(s *ConversationStatus) { s.Suppressed++ })
		o.emit(types.EventSuppressed, convID, msg.PlatformMessageID, decision.Reason, "")
		o.transition(c, types.StateIdle)
		return Outcome{Kind: OutcomeSuppressed, Reason: decision.Reason}
	}

	// Generating. Shutdown stops retries, but the attempt in flight runs to
	// its own timeout.
	o.transition(c, types.StateGenerating)
	reply, err := o.generate(ctx, c, decision, msg)
	if err != nil {
		return o.generationFailed(c, msg, err)
	}

	// Pacing
	o.transition(c, types.StatePacing)
	if !sleep(ctx, o.pacingDelay()) {
		return o.pacingAborted(c, msg, "shutdown during pacing")
	}

	// Dispatching
	o.transition(c, types.StateDispatching)
	if err := o.limiter.Wait(ctx); err != nil {
		return o.pacingAborted(c, msg, "shutdown while rate limited")
	}
	if err := o.send(ctx, convID, reply); err != nil {
		o.totals.dispatchFailed.Add(1)
		o.metrics.dispatchFailed.Inc()
		c.count(func(s *ConversationStatus) { s.Failed++ })
		o.logger.Warn("engine: dispatch failed",
			zap.String("conversation_id", convID),
			zap.Error(err))
		o.emit(types.EventDispatchFailed, convID, msg.PlatformMessageID, "transport", err.Error())
		o.transition(c, types.StateIdle)
		return Outcome{Kind: OutcomeDispatchFailed, Err: err}
	}

	sentAt := o.now()
	outbound := types.Message{
		ConversationID:    convID,
		Sender:            types.SenderSelf,
		Text:              reply,
		Timestamp:         sentAt,
		PlatformMessageID: "out-" + uuid.NewString(),
	}
	if _, err := o.store.Append(context.WithoutCancel(ctx), convID, outbound); err != nil {
		if errors.Is(err, storage.ErrInvariantViolation) {
			o.halt(c, err)
			return Outcome{Kind: OutcomeHalted, Reply: reply, Err: err}
		}
		o.logger.Warn("engine: outbound message not recorded", zap.String("conversation_id", convID), zap.Error(err))
	}
	o.observe(ctx, msg, contactFor(msg), types.DirectionOutbound, sentAt)

	o.totals.dispatched.Add(1)
	o.metrics.dispatched.Inc()
	c.count(func(s *ConversationStatus) { s.Replied++ })
	o.emit(types.EventDispatched, convID, outbound.PlatformMessageID, decision.Reason, "")
	o.transition(c, types.StateIdle)
	return Outcome{Kind: OutcomeDispatched, Reason: decision.Reason, Reply: reply}
}

// record appends an inbound message. ok is false when processing must stop
// here; out then describes why.
func (o *Orchestrator) record(c *conversation, msg types.Message) (out Outcome, ok bool) {
	accepted, err := o.store.Append(context.Background(), c.id, msg)
	if err != nil {
		if errors.Is(err, storage.ErrInvariantViolation) {
			o.halt(c, err)
			return Outcome{Kind: OutcomeHalted, Err: err}, false
		}
		o.logger.Warn("engine: message rejected by store",
			zap.String("conversation_id", c.id),
			zap.Error(err))
		return Outcome{Kind: OutcomeRejected, Err: err}, false
	}
	if !accepted {
		o.totals.duplicates.Add(1)
		o.metrics.duplicates.Inc()
		o.emit(types.EventDuplicate, c.id, msg.PlatformMessageID, "", "")
		return Outcome{Kind: OutcomeDuplicate}, false
	}

	o.totals.received.Add(1)
	o.metrics.received.Inc()
	c.count(func(s *ConversationStatus) {
		s.Received++
		s.LastActivity = o.now()
	})
	o.emit(types.EventReceived, c.id, msg.PlatformMessageID, "", "")
	return Outcome{}, true
}

func (o *Orchestrator) generate(ctx context.Context, c *conversation, d policy.Decision, msg types.Message) (string, error) {
	req, err := o.builder.Build(d.Style, d.Relation, c.id, msg)
	if err != nil {
		return "", &llm.GenerationError{Kind: llm.KindInvalidResponse, Detail: "prompt: " + err.Error(), Err: err}
	}

	start := time.Now()
	text, err := o.generator.Generate(ctx, req)
	o.metrics.generationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}

	reply, err := o.pipeline.RunOutbound(ctx, pipeline.Reply{ConversationID: c.id, Text: text, Style: d.Style})
	if err != nil {
		if errors.Is(err, pipeline.ErrDrop) {
			return "", &llm.GenerationError{Kind: llm.KindInvalidResponse, Detail: "reply dropped by outbound stage", Err: err}
		}
		return "", &llm.GenerationError{Kind: llm.KindInvalidResponse, Detail: err.Error(), Err: err}
	}
	if strings.TrimSpace(reply.Text) == "" {
		return "", &llm.GenerationError{Kind: llm.KindInvalidResponse, Detail: "reply is empty after post-processing"}
	}
	return reply.Text, nil
}

func (o *Orchestrator) generationFailed(c *conversation, msg types.Message, err error) Outcome {
	kind := "unknown"
	var gerr *llm.GenerationError
	if errors.As(err, &gerr) {
		kind = string(gerr.Kind)
	}
	o.totals.generationFailed.Add(1)
	o.metrics.generationFailed.WithLabelValues(kind).Inc()
	c.count(func(s *ConversationStatus) { s.Failed++ })
	o.logger.Warn("engine: generation failed, not replying",
		zap.String("conversation_id", c.id),
		zap.String("kind", kind),
		zap.Error(err))
	o.emit(types.EventGenerationFailed, c.id, msg.PlatformMessageID, kind, err.Error())
	o.transition(c, types.StateIdle)
	return Outcome{Kind: OutcomeGenerationFailed, Reason: kind, Err: err}
}

func (o *Orchestrator) pacingAborted(c *conversation, msg types.Message, detail string) Outcome {
	o.totals.pacingAborted.Add(1)
	o.metrics.pacingAborted.Inc()
	o.logger.Info("engine: reply abandoned", zap.String("conversation_id", c.id), zap.String("detail", detail))
	o.emit(types.EventPacingAborted, c.id, msg.PlatformMessageID, "shutdown", detail)
	o.transition(c, types.StateIdle)
	return Outcome{Kind: OutcomePacingAborted, Reason: detail}
}

// send tries the transport up to 1+SendRetries times.
func (o *Orchestrator) send(ctx context.Context, conversationID, text string) error {
	var err error
	for attempt := 0; attempt <= o.cfg.SendRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * o.cfg.SendBackoff
			if !sleep(ctx, backoff) {
				return fmt.Errorf("send aborted: %w", ctx.Err())
			}
		}
		if err = o.transport.Send(ctx, conversationID, text); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		o.logger.Debug("engine: send failed",
			zap.String("conversation_id", conversationID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return err
}

func (o *Orchestrator) observe(ctx context.Context, msg types.Message, contact string, dir types.Direction, at time.Time) {
	if o.relationships == nil || contact == "" || contact == types.SenderSelf {
		return
	}
	if _, err := o.relationships.Observe(ctx, types.Interaction{ContactID: contact, Direction: dir, At: at}); err != nil {
		o.logger.Debug("engine: relationship observation skipped",
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err))
	}
}

func (o *Orchestrator) pacingDelay() time.Duration {
	span := o.cfg.MaxDelay - o.cfg.MinDelay
	if span <= 0 {
		return o.cfg.MinDelay
	}
	o.randMu.Lock()
	r := o.random()
	o.randMu.Unlock()
	return o.cfg.MinDelay + time.Duration(r*float64(span))
}

func (o *Orchestrator) halt(c *conversation, err error) {
	c.mu.Lock()
	already := c.status.State == types.StateHalted
	c.status.State = types.StateHalted
	c.status.Error = err.Error()
	c.err = err
	c.mu.Unlock()
	if already {
		return
	}
	o.metrics.halted.Inc()
	o.logger.Error("engine: conversation halted", zap.String("conversation_id", c.id), zap.Error(err))
	o.emit(types.EventHalted, c.id, "", "invariant_violation", err.Error())
}

func (o *Orchestrator) transition(c *conversation, next types.ConversationState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.status.State
	if cur == next {
		return
	}
	if !types.IsValidStateTransition(cur, next) {
		o.logger.Error("engine: invalid state transition",
			zap.String("conversation_id", c.id),
			zap.String("from", string(cur)),
			zap.String("to", string(next)))
	}
	c.status.State = next
}

func (o *Orchestrator) emit(kind types.EventKind, conversationID, messageID, reason, detail string) {
	ev := types.Event{
		Kind:           kind,
		ConversationID: conversationID,
		MessageID:      messageID,
		Reason:         reason,
		Detail:         detail,
		Time:           o.now(),
	}
	for _, obs := range o.observers {
		obs.OnEvent(ev)
	}
}

func contactFor(msg types.Message) string {
	if msg.FromSelf() {
		return msg.ConversationID
	}
	return msg.Sender
}

func directionOf(msg types.Message) types.Direction {
	if msg.FromSelf() {
		return types.DirectionOutbound
	}
	return types.DirectionInbound
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
