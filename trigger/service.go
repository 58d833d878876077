package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/agentloop/internal/metrics"
	"github.com/BaSui01/agentloop/types"
	"github.com/BaSui01/agentloop/workflow"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// VarTrigger is the run variable describing the firing.
const VarTrigger = "trigger"

// Metadata keys set on emitted messages.
const (
	MetadataEvent = "event"
)

// topicPrefix namespaces event topics on the shared bus.
const topicPrefix = "agentloop.events."

// Option configures a Service.
type Option func(*Service)

// WithMetrics records trigger firings.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// WithPubSub replaces the in-process event bus. The service does not
// close buses it did not create.
func WithPubSub(pub message.Publisher, sub message.Subscriber) Option {
	return func(s *Service) {
		s.publisher, s.subscriber = pub, sub
	}
}

// =============================================================================
// ⏰ 触发器服务
// =============================================================================

// Service owns the triggers of a process. Scheduled triggers run on a cron
// scheduler; event-driven triggers subscribe to the event bus. Firing
// failures are logged and never stop the service.
type Service struct {
	runner  Runner
	metrics *metrics.Collector
	logger  *zap.Logger

	publisher  message.Publisher
	subscriber message.Subscriber
	ownsBus    bool

	mu       sync.Mutex
	triggers map[string]Trigger
	entries  map[string]cron.EntryID
	subs     map[string]context.CancelFunc
	cron     *cron.Cron
	runCtx   context.Context
	cancel   context.CancelFunc
	started  bool
	stopped  bool

	consumers sync.WaitGroup
	inflight  sync.WaitGroup
}

// NewService creates a service that starts runs through runner.
func NewService(runner Runner, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "trigger_service"))

	s := &Service{
		runner:   runner,
		logger:   logger,
		triggers: make(map[string]Trigger),
		entries:  make(map[string]cron.EntryID),
		subs:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.publisher == nil || s.subscriber == nil {
		bus := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, newWatermillLogger(logger))
		s.publisher, s.subscriber, s.ownsBus = bus, bus, true
	}
	return s
}

// Register adds t. On a started service it is activated immediately.
func (s *Service) Register(t Trigger) error {
	if t == nil {
		return fmt.Errorf("trigger is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.triggers[t.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTrigger, t.ID())
	}
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		if err := s.activate(t); err != nil {
			return err
		}
	}
	s.triggers[t.ID()] = t
	s.logger.Info("trigger registered",
		zap.String("trigger", t.ID()),
		zap.String("kind", string(t.Kind())),
		zap.String("workflow", t.Workflow()))
	return nil
}

// Unregister removes a trigger and stops it from firing again. Runs it
// already started continue.
func (s *Service) Unregister(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.triggers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	s.deactivate(id)
	delete(s.triggers, id)
	s.logger.Info("trigger unregistered", zap.String("trigger", id))
	return nil
}

// Get returns the trigger registered as id.
func (s *Service) Get(id string) (Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	return t, ok
}

// List returns the registered triggers ordered by id.
func (s *Service) List() []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.Sorted(maps.Keys(s.triggers))
	out := make([]Trigger, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.triggers[id])
	}
	return out
}

// =============================================================================
// 🚦 生命周期
// =============================================================================

// Start activates every registered trigger. Background runs use a context
// derived from ctx that survives its cancellation until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.stopped:
		return ErrStopped
	case s.started:
		return nil
	}

	// 后台运行不随 Start 的 ctx 取消，只由 Stop 结束
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	clog := newCronLogger(s.logger)
	s.cron = cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	for _, id := range slices.Sorted(maps.Keys(s.triggers)) {
		if err := s.activate(s.triggers[id]); err != nil {
			s.cancel()
			for active := range s.subs {
				s.deactivate(active)
			}
			return err
		}
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("trigger service started", zap.Int("triggers", len(s.triggers)))
	return nil
}

// Stop deactivates every trigger and waits for in-flight runs. When ctx
// ends first, the remaining runs are cancelled and ctx's error returned.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return s.closeBus()
	}
	s.stopped = true
	for id := range s.triggers {
		s.deactivate(id)
	}
	cronDone := s.cron.Stop()
	cancel := s.cancel
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.consumers.Wait()
		s.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
		err = ctx.Err()
	}
	cancel()

	if cerr := s.closeBus(); cerr != nil && err == nil {
		err = cerr
	}
	s.logger.Info("trigger service stopped")
	return err
}

func (s *Service) closeBus() error {
	if !s.ownsBus {
		return nil
	}
	if c, ok := s.publisher.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// =============================================================================
// 🔥 手动触发与事件发布
// =============================================================================

// Fire runs the trigger's workflow now and waits for it. payload is merged
// over the trigger's own payload.
func (s *Service) Fire(ctx context.Context, id string, payload map[string]any) (*workflow.ExecutionContext, error) {
	t, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	return s.execute(ctx, t, "manual", payload)
}

// Emit publishes event with payload. Every event-driven trigger bound to
// event fires once.
func (s *Service) Emit(ctx context.Context, event string, payload map[string]any) error {
	if event == "" {
		return fmt.Errorf("event name is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", event, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set(MetadataEvent, event)
	msg.SetContext(ctx)

	if err := s.publisher.Publish(topicPrefix+event, msg); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	s.logger.Debug("event emitted", zap.String("event", event), zap.String("message_id", msg.UUID))
	return nil
}

// =============================================================================
// 🔌 调度与订阅
// =============================================================================

// activate wires t into the scheduler or the bus. Callers hold s.mu.
func (s *Service) activate(t Trigger) error {
	switch tr := t.(type) {
	case *ScheduledTrigger:
		entry := s.cron.Schedule(tr.schedule, cron.FuncJob(func() {
			s.inflight.Add(1)
			defer s.inflight.Done()
			_, _ = s.execute(s.runCtx, tr, "schedule", nil)
		}))
		s.entries[tr.ID()] = entry
	case *EventDrivenTrigger:
		subCtx, cancel := context.WithCancel(s.runCtx)
		messages, err := s.subscriber.Subscribe(subCtx, topicPrefix+tr.Event())
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe trigger %s to %s: %w", tr.ID(), tr.Event(), err)
		}
		s.subs[tr.ID()] = cancel
		s.consumers.Add(1)
		go s.consume(tr, messages)
	default:
		return fmt.Errorf("trigger %s: unsupported kind %q", t.ID(), t.Kind())
	}
	return nil
}

// deactivate stops t from firing. Callers hold s.mu.
func (s *Service) deactivate(id string) {
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	if cancel, ok := s.subs[id]; ok {
		cancel()
		delete(s.subs, id)
	}
}

func (s *Service) consume(t *EventDrivenTrigger, messages <-chan *message.Message) {
	defer s.consumers.Done()
	for msg := range messages {
		var payload map[string]any
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				s.logger.Warn("dropping malformed event",
					zap.String("trigger", t.ID()),
					zap.String("message_id", msg.UUID),
					zap.Error(err))
				s.metrics.RecordTriggerFire(t.ID(), string(t.Kind()), "invalid")
				// 格式错误的消息重投也无法处理，直接确认
				msg.Ack()
				continue
			}
		}

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			_, _ = s.execute(s.runCtx, t, "event", payload)
		}()
		msg.Ack()
	}
}

// execute performs one firing. Panics from the runner become errors.
func (s *Service) execute(ctx context.Context, t Trigger, source string, payload map[string]any) (ec *workflow.ExecutionContext, err error) {
	start := time.Now()
	ctx = types.WithTriggerID(ctx, t.ID())
	logger := s.logger.With(
		zap.String("trigger", t.ID()),
		zap.String("workflow", t.Workflow()),
		zap.String("source", source))

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("trigger %s panicked: %v", t.ID(), p)
			logger.Error("trigger run panicked", zap.Any("panic", p))
			s.metrics.RecordTriggerFire(t.ID(), string(t.Kind()), "panic")
		}
	}()

	vars := t.Payload()
	if vars == nil {
		vars = make(map[string]any, len(payload)+1)
	}
	// 事件负载覆盖触发器自带的负载
	maps.Copy(vars, payload)
	info := map[string]any{
		"id":       t.ID(),
		"kind":     string(t.Kind()),
		"source":   source,
		"fired_at": start.UTC().Format(time.RFC3339),
	}
	if et, ok := t.(*EventDrivenTrigger); ok {
		info["event"] = et.Event()
	}
	vars[VarTrigger] = info

	logger.Info("trigger fired")
	ec, err = s.runner.RunWorkflow(ctx, t.Workflow(), vars)
	if err != nil {
		logger.Error("trigger run could not start", zap.Error(err))
		s.metrics.RecordTriggerFire(t.ID(), string(t.Kind()), "error")
		return nil, err
	}

	s.metrics.RecordTriggerFire(t.ID(), string(t.Kind()), string(ec.Status))
	fields := []zap.Field{
		zap.String("run_id", ec.RunID),
		zap.String("status", string(ec.Status)),
		zap.Duration("duration", time.Since(start)),
	}
	if ec.Status == workflow.StatusFailed {
		logger.Warn("triggered run failed", append(fields, zap.String("error", ec.Error))...)
	} else {
		logger.Info("triggered run finished", fields...)
	}
	return ec, nil
}
