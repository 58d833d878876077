package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/agentloop/types"
	"go.uber.org/zap"
)

// =============================================================================
// ⚡ 熔断器状态与配置
// =============================================================================

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without invoking the wrapped function while the
// breaker is open or its half-open trial is already in flight.
var ErrCircuitOpen = types.NewError(types.ErrCircuitOpen, "circuit breaker is open")

// Config tunes a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold" env:"FAILURE_THRESHOLD"`

	// RecoveryTimeout is how long the breaker stays open before allowing a trial call.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout" env:"RECOVERY_TIMEOUT"`

	// CallTimeout bounds a single call. Zero leaves the caller's context alone.
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout" env:"CALL_TIMEOUT"`

	// IsFailure decides whether an error counts toward the failure streak.
	// Defaults to DefaultIsFailure.
	IsFailure func(error) bool `yaml:"-" json:"-"`

	// OnStateChange is invoked synchronously after every transition, outside the lock.
	OnStateChange func(name string, from, to State) `yaml:"-" json:"-"`
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.CallTimeout < 0 {
		c.CallTimeout = 0
	}
	if c.IsFailure == nil {
		c.IsFailure = DefaultIsFailure
	}
	return c
}

// DefaultIsFailure treats every error as a failure except caller mistakes
// that retrying the dependency cannot fix.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch types.GetErrorCode(err) {
	case types.ErrToolValidation, types.ErrToolNotFound, types.ErrInvalidRequest:
		return false
	}
	return true
}

// =============================================================================
// 🛡️ 熔断器
// =============================================================================

// Breaker guards one protected operation.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu              sync.Mutex
	state           State
	failures        int
	lastFailureTime time.Time
	trialInFlight   bool
}

// New creates a closed breaker.
func New(name string, config Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		config: config.normalized(),
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("breaker", name)),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Name returns the breaker key.
func (b *Breaker) Name() string { return b.name }

// Call runs fn through the breaker.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.CallWithResult(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// CallWithResult runs fn through the breaker and returns its result.
func (b *Breaker) CallWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	trial, err := b.beforeCall()
	if err != nil {
		return nil, err
	}

	result, err := b.invoke(ctx, fn)
	b.afterCall(trial, err)
	return result, err
}

type callResult struct {
	result any
	err    error
}

func (b *Breaker) invoke(ctx context.Context, fn func(ctx context.Context) (any, error)) (result any, err error) {
	if b.config.CallTimeout <= 0 {
		return safeCall(ctx, fn)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.CallTimeout)
	defer cancel()

	resultCh := make(chan callResult, 1)
	go func() {
		// 超时后 fn 仍可能在运行，结果通道带缓冲避免泄漏
		r, e := safeCall(callCtx, fn)
		resultCh <- callResult{result: r, err: e}
	}()

	select {
	case <-callCtx.Done():
		return nil, types.NewTimeoutError(fmt.Sprintf("call through %q timed out", b.name)).WithCause(callCtx.Err())
	case res := <-resultCh:
		return res.result, res.err
	}
}

func safeCall(ctx context.Context, fn func(ctx context.Context) (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in protected call: %v", r)
		}
	}()
	return fn(ctx)
}

// =============================================================================
// 🔁 状态转换
// =============================================================================

// beforeCall reports whether the caller holds the half-open trial slot.
func (b *Breaker) beforeCall() (bool, error) {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return false, nil

	case StateOpen:
		if b.now().Sub(b.lastFailureTime) < b.config.RecoveryTimeout {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		// 恢复超时已过，本次调用作为半开试探
		from := b.setState(StateHalfOpen)
		b.trialInFlight = true
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		b.logger.Info("breaker half-open, allowing trial call")
		return true, nil

	default: // half-open
		// 同一时间只允许一个试探调用
		if b.trialInFlight {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return true, nil
	}
}

func (b *Breaker) afterCall(trial bool, err error) {
	failed := b.config.IsFailure(err)

	b.mu.Lock()
	if trial {
		b.trialInFlight = false
	}

	var from, to State
	changed := false

	if failed {
		b.failures++
		b.lastFailureTime = b.now()
		switch {
		case b.state == StateHalfOpen && trial:
			from, to, changed = b.setState(StateOpen), StateOpen, true
		case b.state == StateClosed && b.failures >= b.config.FailureThreshold:
			from, to, changed = b.setState(StateOpen), StateOpen, true
		}
	} else {
		if b.state == StateHalfOpen && trial {
			from, to, changed = b.setState(StateClosed), StateClosed, true
		}
		if b.state == StateClosed {
			b.failures = 0
		}
	}
	failures := b.failures
	b.mu.Unlock()

	// 回调与日志在锁外执行
	if !changed {
		return
	}
	if to == StateOpen {
		b.logger.Warn("breaker opened",
			zap.Int("failures", failures),
			zap.Int("threshold", b.config.FailureThreshold),
			zap.Error(err),
		)
	} else {
		b.logger.Info("breaker closed after successful trial")
	}
	b.notify(from, to)
}

// setState must be called with mu held; it returns the previous state.
func (b *Breaker) setState(s State) State {
	from := b.state
	b.state = s
	return from
}

func (b *Breaker) notify(from, to State) {
	if b.config.OnStateChange != nil && from != to {
		b.config.OnStateChange(b.name, from, to)
	}
}

// =============================================================================
// 🔍 状态查询
// =============================================================================

// State returns the current position. An open breaker whose recovery timeout
// has elapsed still reports open until the next call attempts the trial.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset force-closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.setState(StateClosed)
	b.failures = 0
	b.trialInFlight = false
	b.mu.Unlock()

	b.logger.Info("breaker reset", zap.String("from_state", from.String()))
	b.notify(from, StateClosed)
}

// IsOpen reports whether err was produced by a rejecting breaker.
func IsOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
