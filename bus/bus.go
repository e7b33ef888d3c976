// Package bus provides asynchronous, at-least-once message delivery between
// the orchestration core and its agents. Each recipient has a bounded
// priority queue: FIFO within a tier, higher tiers drained first, and an
// aging sweep that promotes long-waiting messages so low-priority traffic is
// never starved. Delegate messages are tracked until the agent answers with
// Accept or Reject; silence past the ack timeout becomes an implicit Reject.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/whitecloud343/multi-ai-agents/internal/metrics"
	"github.com/whitecloud343/multi-ai-agents/types"
)

// Config holds bus configuration.
type Config struct {
	// QueueCapacity bounds each recipient queue. A full queue rejects the
	// publish with QueueFull so the scheduler backs off instead of the bus
	// buffering without limit.
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`

	// AgingThreshold is how long a message may wait before its effective
	// priority is raised one tier.
	AgingThreshold time.Duration `yaml:"aging_threshold" json:"aging_threshold"`

	// AgingInterval is how often the aging sweep runs.
	AgingInterval time.Duration `yaml:"aging_interval" json:"aging_interval"`

	// AckTimeout is the window in which a Delegate must be answered with
	// Accept or Reject before it is treated as implicitly rejected.
	AckTimeout time.Duration `yaml:"ack_timeout" json:"ack_timeout"`

	// PublishRate caps publishes per second, 0 for unlimited.
	PublishRate float64 `yaml:"publish_rate" json:"publish_rate"`

	// PublishBurst is the rate limiter burst size.
	PublishBurst int `yaml:"publish_burst" json:"publish_burst"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  256,
		AgingThreshold: 5 * time.Second,
		AgingInterval:  time.Second,
		AckTimeout:     10 * time.Second,
		PublishRate:    0,
		PublishBurst:   64,
	}
}

// StatusFunc reports an agent's registry status at publish time.
type StatusFunc func(agentID string) types.AgentStatus

// ImplicitRejectFunc is invoked when a Delegate goes unanswered past the ack
// timeout. The message is the original Delegate.
type ImplicitRejectFunc func(msg *types.Message)

// Bus is the process-scoped message bus.
type Bus struct {
	mu      sync.Mutex
	queues  map[string]*recipientQueue
	seq     uint64
	queued  int
	pending map[string]*time.Timer // correlation id -> ack deadline
	closed  bool

	config    Config
	status    StatusFunc
	onReject  ImplicitRejectFunc
	limiter   *rate.Limiter
	collector *metrics.Collector
	logger    *zap.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a bus. status may be nil, in which case every recipient is
// assumed reachable. collector may be nil.
func New(config Config, status StatusFunc, collector *metrics.Collector, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultConfig().QueueCapacity
	}
	limit := rate.Inf
	if config.PublishRate > 0 {
		limit = rate.Limit(config.PublishRate)
	}
	burst := config.PublishBurst
	if burst <= 0 {
		burst = 1
	}
	return &Bus{
		queues:    make(map[string]*recipientQueue),
		pending:   make(map[string]*time.Timer),
		config:    config,
		status:    status,
		limiter:   rate.NewLimiter(limit, burst),
		collector: collector,
		logger:    logger.With(zap.String("component", "bus")),
		done:      make(chan struct{}),
	}
}

// SetImplicitRejectHandler installs the unacked-Delegate callback. Must be
// called before the first Delegate is published.
func (b *Bus) SetImplicitRejectHandler(fn ImplicitRejectFunc) {
	b.onReject = fn
}

// Start launches the aging sweep.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.config.AgingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.SweepAging(time.Now())
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
	}()
}

// Close shuts the bus down. Blocked consumers return with an error.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, timer := range b.pending {
		timer.Stop()
	}
	b.pending = make(map[string]*time.Timer)
	queues := b.queues
	b.mu.Unlock()

	close(b.done)
	for _, q := range queues {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	b.wg.Wait()
	b.logger.Info("bus closed")
	return nil
}

// Publish enqueues a message for its recipient, or fans out broadcast-typed
// messages to every attached queue. Publishing to an Offline recipient fails
// immediately with AgentUnavailable so the caller reroutes instead of
// waiting out a bus-level timeout. A full recipient queue fails with
// QueueFull.
func (b *Bus) Publish(ctx context.Context, msg *types.Message) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if msg.Type.Broadcast() {
		return b.broadcast(msg)
	}

	if b.status != nil && b.status(msg.Recipient) == types.AgentOffline {
		return types.NewError(types.ErrAgentUnavailable, "recipient offline").
			WithAgent(msg.Recipient).WithRetryable(true)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return types.NewError(types.ErrAgentUnavailable, "bus closed")
	}
	q := b.queue(msg.Recipient)
	b.seq++
	ok := q.push(&queuedMessage{
		msg:        msg,
		effective:  msg.Priority,
		enqueuedAt: time.Now(),
		seq:        b.seq,
	})
	if ok {
		b.queued++
		b.collector.SetQueuedMessages(b.queued)
		if msg.Type == types.MessageDelegate {
			// Armed before the queue lock is released: a consumer cannot see
			// the Delegate, answer it, and no-op the Ack before the timer
			// exists.
			b.armAckTimerLocked(msg)
		}
	}
	b.mu.Unlock()

	if !ok {
		return types.NewError(types.ErrQueueFull, "recipient queue full").
			WithAgent(msg.Recipient).WithRetryable(true)
	}

	b.collector.RecordMessagePublished(string(msg.Type))
	b.logger.Debug("message published",
		zap.String("message_id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.String("recipient", msg.Recipient),
		zap.Int("priority", int(msg.Priority)),
	)
	return nil
}

// Consume blocks until a message is available for the agent, the context is
// cancelled, or the bus closes.
func (b *Bus) Consume(ctx context.Context, agentID string) (*types.Message, error) {
	b.mu.Lock()
	q := b.queue(agentID)
	b.mu.Unlock()

	for {
		b.mu.Lock()
		msg := q.pop()
		if msg != nil {
			b.queued--
			b.collector.SetQueuedMessages(b.queued)
		}
		closed := b.closed
		b.mu.Unlock()

		if msg != nil {
			return msg, nil
		}
		if closed {
			return nil, types.NewError(types.ErrAgentUnavailable, "bus closed")
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, types.NewError(types.ErrAgentUnavailable, "bus closed")
		}
	}
}

// Ack resolves the pending Delegate with the given correlation id. Called
// when the Accept, Reject, or Result for the delegation arrives. Returns
// whether a pending delegation was resolved.
func (b *Bus) Ack(correlationID string) bool {
	b.mu.Lock()
	timer, ok := b.pending[correlationID]
	if ok {
		delete(b.pending, correlationID)
	}
	b.mu.Unlock()

	if ok {
		timer.Stop()
	}
	return ok
}

// SweepAging promotes messages waiting past the aging threshold. Exposed for
// deterministic tests; the Start loop calls it periodically.
func (b *Bus) SweepAging(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, q := range b.queues {
		total += q.age(now, b.config.AgingThreshold)
	}
	if total > 0 {
		b.collector.RecordMessagesAged(total)
		b.logger.Debug("aged messages promoted", zap.Int("count", total))
	}
}

// Depth returns the number of queued messages for the agent.
func (b *Bus) Depth(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[agentID]
	if !ok {
		return 0
	}
	return len(q.heap)
}

// queue returns the recipient's queue, creating it on first use. Caller
// holds b.mu.
func (b *Bus) queue(agentID string) *recipientQueue {
	q, ok := b.queues[agentID]
	if !ok {
		q = newRecipientQueue(b.config.QueueCapacity)
		b.queues[agentID] = q
	}
	return q
}

func (b *Bus) broadcast(msg *types.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return types.NewError(types.ErrAgentUnavailable, "bus closed")
	}
	for id, q := range b.queues {
		cp := *msg
		cp.Recipient = id
		b.seq++
		if q.push(&queuedMessage{
			msg:        &cp,
			effective:  cp.Priority,
			enqueuedAt: time.Now(),
			seq:        b.seq,
		}) {
			b.queued++
			b.collector.RecordMessagePublished(string(cp.Type))
		}
	}
	b.collector.SetQueuedMessages(b.queued)
	return nil
}

// armAckTimerLocked arms the ack timer for a published Delegate. Caller holds
// b.mu.
func (b *Bus) armAckTimerLocked(msg *types.Message) {
	if b.config.AckTimeout <= 0 || msg.CorrelationID == "" {
		return
	}

	corr := msg.CorrelationID
	b.pending[corr] = time.AfterFunc(b.config.AckTimeout, func() {
		b.mu.Lock()
		_, still := b.pending[corr]
		if still {
			delete(b.pending, corr)
		}
		b.mu.Unlock()
		if !still {
			return
		}
		b.logger.Warn("delegate unanswered, implicit reject",
			zap.String("correlation_id", corr),
			zap.String("recipient", msg.Recipient),
		)
		if b.onReject != nil {
			b.onReject(msg)
		}
	})
}
