package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// DispatcherConfig holds the polling loop's tunables.
type DispatcherConfig struct {
	PollInterval       time.Duration
	PollIntervalJitter time.Duration
	BatchSize          int
}

// DefaultDispatcherConfig matches §4.3's defaults: a two-second poll
// interval and a batch of up to ten rows per tick.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{PollInterval: 2 * time.Second, BatchSize: 10}
}

// routeResult is the outcome of processing one claimed message.
type routeResult int

const (
	routeComplete routeResult = iota
	routeFail
	routeRequeue
)

// Dispatcher is the inbox dispatcher (§4.3): it polls, claims, routes, and
// completes/fails messages from the cognitive inbox to agents.
type Dispatcher struct {
	mu        sync.RWMutex
	sessionID SessionId
	store     *Store
	cfg       DispatcherConfig

	retrieval *RetrievalCoordinator
	learner   *LearnerPath
	compactor *CompactorScheduler
	curator   *CuratorScheduler

	retrieverEnabled bool
	learnerEnabled   bool

	// onSessionEnd and onSessionReset hand control back to the lifecycle
	// controller; the dispatcher never tears down state itself.
	onSessionEnd   func(cause string)
	onSessionReset func(ctx context.Context, newID SessionId, transcriptPath string) error

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher. retrieval/learner/compactor/curator
// may be nil when their corresponding agent kind is disabled.
func NewDispatcher(sessionID SessionId, store *Store, cfg DispatcherConfig, retrieval *RetrievalCoordinator, learner *LearnerPath, compactor *CompactorScheduler, curator *CuratorScheduler, retrieverEnabled, learnerEnabled bool) *Dispatcher {
	return &Dispatcher{
		sessionID:        sessionID,
		store:            store,
		cfg:              cfg,
		retrieval:        retrieval,
		learner:          learner,
		compactor:        compactor,
		curator:          curator,
		retrieverEnabled: retrieverEnabled,
		learnerEnabled:   learnerEnabled,
		stopCh:           make(chan struct{}),
	}
}

// SetSessionID rebinds the dispatcher to a new session, used during the
// session-reset handoff (§4.1). Safe to call concurrently with a running
// poll loop; the new ID takes effect on the next tick.
func (d *Dispatcher) SetSessionID(id SessionId) {
	d.mu.Lock()
	d.sessionID = id
	d.mu.Unlock()
}

func (d *Dispatcher) currentSessionID() SessionId {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessionID
}

// OnSessionEnd registers the callback fired when a session_event/session_end
// message is claimed.
func (d *Dispatcher) OnSessionEnd(fn func(cause string)) { d.onSessionEnd = fn }

// OnSessionReset registers the callback fired when a message of type
// session_reset is claimed.
func (d *Dispatcher) OnSessionReset(fn func(ctx context.Context, newID SessionId, transcriptPath string) error) {
	d.onSessionReset = fn
}

// fireSessionEnd invokes onSessionEnd on its own goroutine. The callback
// drives Controller.Shutdown, which calls Dispatcher.Stop and blocks on
// d.wg.Wait — calling it inline from run's goroutine would deadlock run
// against its own wg.Done, which only fires after run returns.
func (d *Dispatcher) fireSessionEnd(cause string) {
	if d.onSessionEnd == nil {
		return
	}
	go d.onSessionEnd(cause)
}

// Start launches the polling loop in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop signals the loop to stop and waits for it to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	log := slog.With("component", "dispatcher")
	log.Info("dispatcher started")

	for {
		select {
		case <-d.stopCh:
			log.Info("dispatcher stopping")
			return
		case <-ctx.Done():
			log.Info("dispatcher context cancelled")
			return
		default:
			stopping, err := d.tick(ctx)
			if err != nil {
				log.Error("dispatcher tick failed", "error", err)
			}
			if stopping {
				return
			}
			d.sleep(d.pollInterval())
		}
	}
}

func (d *Dispatcher) sleep(interval time.Duration) {
	select {
	case <-d.stopCh:
	case <-time.After(interval):
	}
}

func (d *Dispatcher) pollInterval() time.Duration {
	base := d.cfg.PollInterval
	jitter := d.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// tick runs one poll cycle: claim, route in creation order, check for an
// external stop signal. Returns stopping=true if the loop should exit.
func (d *Dispatcher) tick(ctx context.Context) (stopping bool, err error) {
	batchSize := d.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	sessionID := d.currentSessionID()
	msgs, err := d.store.ClaimBatch(ctx, sessionID, batchSize)
	if err != nil {
		return false, err
	}

	for _, msg := range msgs {
		result, endCause := d.route(ctx, msg)
		switch result {
		case routeComplete:
			if err := d.store.Complete(ctx, msg.ID); err != nil {
				slog.Error("failed to mark message completed", "id", msg.ID, "error", err)
			}
		case routeFail:
			if err := d.store.Fail(ctx, msg.ID); err != nil {
				slog.Error("failed to mark message failed", "id", msg.ID, "error", err)
			}
		case routeRequeue:
			if err := d.store.Requeue(ctx, msg.ID); err != nil {
				slog.Error("failed to requeue message", "id", msg.ID, "error", err)
			}
		}
		if endCause != "" {
			d.fireSessionEnd(endCause)
			return true, nil
		}
	}

	status, err := d.store.ReadStatus(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if status == StatusStopping {
		d.fireSessionEnd("external stopping signal")
		return true, nil
	}

	return false, nil
}

// route dispatches one claimed message by message_type, returning its
// terminal row transition and, for session_event/session_end, a non-empty
// endCause signalling the caller to invoke onSessionEnd.
func (d *Dispatcher) route(ctx context.Context, msg CognitiveInboxMessage) (result routeResult, endCause string) {
	switch msg.MessageType {
	case MessageTypePromptContext:
		return d.routePromptContext(ctx, msg), ""

	case MessageTypeToolUse:
		return d.routeToolUse(ctx, msg), ""

	case MessageTypeSessionEvent:
		var payload SessionEventPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			slog.Error("malformed session_event payload", "id", msg.ID, "error", err)
			return routeFail, ""
		}
		switch payload.Event {
		case SessionEventEnd:
			return routeComplete, "session_end"
		default:
			slog.Warn("unrecognized session_event", "id", msg.ID, "event", payload.Event)
			return routeFail, ""
		}

	case MessageTypeSessionReset:
		var payload SessionResetPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			slog.Error("malformed session_reset payload", "id", msg.ID, "error", err)
			return routeFail, ""
		}
		if d.onSessionReset == nil {
			return routeFail, ""
		}
		if err := d.onSessionReset(ctx, SessionId(payload.NewSessionID), payload.TranscriptPath); err != nil {
			slog.Error("session_reset handoff failed", "id", msg.ID, "error", err)
			return routeFail, ""
		}
		return routeComplete, ""

	case MessageTypeCuratorTrigger:
		if d.curator != nil {
			d.curator.FireOnDemand(ctx)
		}
		return routeComplete, ""

	case MessageTypeCompactorTrigger:
		if d.compactor != nil {
			d.compactor.FireOnDemand(ctx)
		}
		return routeComplete, ""

	default:
		slog.Warn("unknown message_type", "id", msg.ID, "message_type", msg.MessageType)
		return routeFail, ""
	}
}

func (d *Dispatcher) routePromptContext(ctx context.Context, msg CognitiveInboxMessage) routeResult {
	if !d.retrieverEnabled || d.retrieval == nil {
		return routeComplete
	}

	var payload PromptContextPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		slog.Error("malformed prompt_context payload", "id", msg.ID, "error", err)
		return routeFail
	}

	if err := d.retrieval.Handle(ctx, payload); err != nil {
		slog.Error("retrieval coordinator error", "id", msg.ID, "error", err)
		return routeFail
	}
	// Retriever busy-queue policy is drop-with-safe-outbox, applied inside
	// the coordinator itself, so the message always completes here.
	return routeComplete
}

func (d *Dispatcher) routeToolUse(ctx context.Context, msg CognitiveInboxMessage) routeResult {
	if !d.learnerEnabled || d.learner == nil {
		return routeComplete
	}

	var payload ToolUsePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		slog.Error("malformed tool_use payload", "id", msg.ID, "error", err)
		return routeFail
	}

	err := d.learner.Handle(ctx, payload)
	switch {
	case err == nil:
		return routeComplete
	case errors.Is(err, ErrAgentBusy):
		return routeRequeue
	default:
		slog.Error("learner path error", "id", msg.ID, "error", err)
		return routeFail
	}
}
