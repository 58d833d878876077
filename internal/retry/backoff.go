package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🔁 重试策略
// =============================================================================

// Policy 重试策略配置
type Policy struct {
	MaxRetries   int           // 首次尝试之后的重试次数，0 表示不重试
	InitialDelay time.Duration // 第一次重试前的等待
	MaxDelay     time.Duration // 单次等待上限
	Multiplier   float64       // 为 1 时等待时间固定
	Jitter       bool          // ±25% 随机抖动

	// ShouldRetry 过滤错误，nil 表示所有错误都重试
	ShouldRetry func(err error) bool

	// OnRetry 在每次等待前调用
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy 适用于远程模型调用的默认策略
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// =============================================================================
// ⚙️ 重试执行器
// =============================================================================

// Retryer 按 Policy 执行函数
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// New 创建 Retryer，并修正不合法的策略值
func New(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay < 0 {
		policy.InitialDelay = 0
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 1.0
	}
	return &Retryer{policy: policy, logger: logger}
}

// Do 执行 fn 直到成功或策略放弃
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := r.DoWithResult(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// DoWithResult 执行 fn 直到成功或策略放弃，返回的错误包装最后一次失败
func (r *Retryer) DoWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt)
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if r.policy.ShouldRetry != nil && !r.policy.ShouldRetry(err) {
			return nil, err
		}
	}

	if r.policy.MaxRetries == 0 {
		return nil, lastErr
	}
	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("failed after %d retries: %w", r.policy.MaxRetries, lastErr)
}

// delay 计算 initial * multiplier^(attempt-1)，带上限和可选抖动
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		j := d * 0.25
		d += (rand.Float64()*2 - 1) * j
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// DoTyped 是 Retryer.DoWithResult 的泛型封装
func DoTyped[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := r.DoWithResult(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, _ := result.(T)
	return typed, nil
}
