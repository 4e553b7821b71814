package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ridelink/internal/domain/event"
	"ridelink/internal/general/config"
	"ridelink/internal/general/contracts"
	"ridelink/internal/general/logger"
)

// Sender delivers a rule-matched message to one resolved target. On the
// gateway this is the connection hub plus the AMQP bridge; client-side it is
// the local dispatcher.
type Sender interface {
	SendToUser(userID string, msg contracts.ChannelMessage) error
	SendToRole(role string, msg contracts.ChannelMessage) error
	SendToRoom(roomID string, msg contracts.ChannelMessage) error
}

// Journal receives every processed event, e.g. for durable storage. Failures
// are logged, never propagated.
type Journal interface {
	Append(ctx context.Context, ev *event.Event) error
}

// Options configures an Engine. Sender is required; Journal is optional.
type Options struct {
	Tuning  config.Realtime
	Sender  Sender
	Journal Journal
	Logger  *logger.Logger
}

// Engine decouples event producers from consumers via typed subscriptions
// and declarative fan-out rules.
//
// Processing is intentionally single-consumer and tick-driven: one event per
// tick, fully processed before the next, so subscription mutation can never
// corrupt an in-flight delivery set. Emit is append-only and never blocks.
type Engine struct {
	tuning  config.Realtime
	sender  Sender
	journal Journal
	log     *logger.Logger

	queueMu sync.Mutex
	queue   []*event.Event

	mu    sync.Mutex
	subs  map[string]*Subscription
	rules []*Rule

	history *history
}

// New validates options and returns an idle engine; call Run to start the
// processing loop.
func New(opts Options) (*Engine, error) {
	if opts.Sender == nil {
		return nil, fmt.Errorf("broadcast: sender is required")
	}
	if problems := opts.Tuning.Problems(); len(problems) > 0 {
		return nil, fmt.Errorf("broadcast: invalid tuning: %s", problems[0])
	}

	log := opts.Logger
	if log == nil {
		log = logger.New("broadcast-engine")
	}

	return &Engine{
		tuning:  opts.Tuning,
		sender:  opts.Sender,
		journal: opts.Journal,
		log:     log,
		subs:    make(map[string]*Subscription),
		history: newHistory(opts.Tuning.HistoryLimit),
	}, nil
}

// Emit appends ev to the bounded history and enqueues it for asynchronous
// processing. It never blocks and never fails; an invalid event is dropped
// and logged.
func (engine *Engine) Emit(ev *event.Event) {
	if err := ev.Validate(); err != nil {
		engine.log.Error(context.Background(), "event_rejected", "Dropping invalid event", err,
			map[string]any{"event_type": ev.Type.String()})
		return
	}

	engine.history.add(ev)

	engine.queueMu.Lock()
	engine.queue = append(engine.queue, ev)
	depth := len(engine.queue)
	engine.queueMu.Unlock()

	engine.log.Debug(context.Background(), "event_emitted", "Event queued for processing", map[string]any{
		"event_id":    ev.ID,
		"event_type":  ev.Type.String(),
		"queue_depth": depth,
	})
}

// Run drives the processing loop until ctx is cancelled. At most one event
// is dequeued per tick and processed fully before the next tick; this bounds
// worst-case fan-out latency and serializes side effects.
func (engine *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(engine.tuning.ProcessInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.processNext(ctx)
		}
	}
}

// Subscribe registers a subscription and returns its id plus an unsubscribe
// func. Invalid specs fail at registration, not delivery time.
func (engine *Engine) Subscribe(sub Subscription) (string, func(), error) {
	if err := sub.validate(); err != nil {
		return "", nil, err
	}

	sub.ID = uuid.NewString()
	sub.CreatedAt = time.Now().UTC()

	engine.mu.Lock()
	engine.subs[sub.ID] = &sub
	engine.mu.Unlock()

	id := sub.ID
	return id, func() { engine.Unsubscribe(id) }, nil
}

// Unsubscribe removes a subscription. Idempotent: reports whether a
// subscription was actually removed.
func (engine *Engine) Unsubscribe(id string) bool {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if _, ok := engine.subs[id]; !ok {
		return false
	}
	delete(engine.subs, id)
	return true
}

// AddRule registers a fan-out rule. Rules registered at startup and rules
// added later are treated identically.
func (engine *Engine) AddRule(rule Rule) error {
	if err := rule.validate(); err != nil {
		return err
	}
	engine.mu.Lock()
	engine.rules = append(engine.rules, &rule)
	engine.mu.Unlock()
	return nil
}

// History returns the retained events, newest first.
func (engine *Engine) History() []*event.Event {
	return engine.history.snapshot()
}

// QueueDepth reports the number of events awaiting processing.
func (engine *Engine) QueueDepth() int {
	engine.queueMu.Lock()
	defer engine.queueMu.Unlock()
	return len(engine.queue)
}

// processNext dequeues at most one event and processes it fully. Returns
// whether an event was processed.
func (engine *Engine) processNext(ctx context.Context) bool {
	engine.queueMu.Lock()
	if len(engine.queue) == 0 {
		engine.queueMu.Unlock()
		return false
	}
	ev := engine.queue[0]
	engine.queue[0] = nil
	engine.queue = engine.queue[1:]
	engine.queueMu.Unlock()

	engine.process(ctx, ev)
	return true
}

// process triggers subscriptions, then evaluates fan-out rules, then hands
// the event to the journal.
func (engine *Engine) process(ctx context.Context, ev *event.Event) {
	engine.mu.Lock()
	matchedSubs := make([]*Subscription, 0, 4)
	for _, sub := range engine.subs {
		if sub.matches(ev) {
			matchedSubs = append(matchedSubs, sub)
		}
	}
	matchedRules := make([]*Rule, 0, 4)
	for _, rule := range engine.rules {
		if rule.applies(ev) {
			matchedRules = append(matchedRules, rule)
		}
	}
	engine.mu.Unlock()

	now := time.Now().UTC()
	for _, sub := range matchedSubs {
		engine.trigger(sub, ev, now)
	}
	for _, rule := range matchedRules {
		engine.deliver(rule, ev)
	}

	if engine.journal != nil {
		if err := engine.journal.Append(ctx, ev); err != nil {
			engine.log.Error(ctx, "journal_append_failed", "Failed to journal event", err,
				map[string]any{"event_id": ev.ID})
		}
	}
}

// trigger invokes one subscription callback, catching panics so a failing
// subscriber never blocks the others or the rule fan-out.
func (engine *Engine) trigger(sub *Subscription, ev *event.Event, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			engine.log.Error(context.Background(), "subscription_panicked",
				"Subscription callback panicked", fmt.Errorf("%v", r),
				map[string]any{"subscription_id": sub.ID, "event_id": ev.ID})
		}
	}()

	sub.LastTriggered = now
	sub.Callback(ev)
}

// deliver resolves one rule's targets and sends the transformed message to
// each. Downstream delivery failures are the transport's concern; they are
// logged and never retried here.
func (engine *Engine) deliver(rule *Rule, ev *event.Event) {
	payload, err := rule.payload(ev)
	if err != nil {
		engine.log.Error(context.Background(), "rule_payload_failed", "Failed to build rule payload", err,
			map[string]any{"rule": rule.Name, "event_id": ev.ID})
		return
	}

	msg, err := contracts.NewChannelMessage(ev.Type.String(), payload)
	if err != nil {
		engine.log.Error(context.Background(), "rule_encode_failed", "Failed to encode rule message", err,
			map[string]any{"rule": rule.Name, "event_id": ev.ID})
		return
	}

	roles, rooms, users := rule.resolveTargets(ev)
	for _, role := range roles {
		if err := engine.sender.SendToRole(role, msg); err != nil {
			engine.logDeliveryFailure(rule, ev, "role", role, err)
		}
	}
	for _, room := range rooms {
		if err := engine.sender.SendToRoom(room, msg); err != nil {
			engine.logDeliveryFailure(rule, ev, "room", room, err)
		}
	}
	for _, userID := range users {
		if err := engine.sender.SendToUser(userID, msg); err != nil {
			engine.logDeliveryFailure(rule, ev, "user", userID, err)
		}
	}
}

func (engine *Engine) logDeliveryFailure(rule *Rule, ev *event.Event, kind, target string, err error) {
	engine.log.Error(context.Background(), "rule_delivery_failed", "Rule delivery failed", err, map[string]any{
		"rule":        rule.Name,
		"event_id":    ev.ID,
		"target_kind": kind,
		"target":      target,
	})
}
