package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry 按 key 分发共享的 Breaker，并发安全，生命周期与进程相同
type Registry struct {
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry 创建注册表，所有熔断器共用 config
func NewRegistry(config Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// GetOrCreate 返回 key 对应的熔断器，首次使用时创建
func (r *Registry) GetOrCreate(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = New(key, r.config, r.logger)
	r.breakers[key] = b
	return b
}

// Get 返回已存在的熔断器
func (r *Registry) Get(key string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[key]
	return b, ok
}

// States 返回所有熔断器状态的快照
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.State()
	}
	return out
}

// Keys 返回排序后的已注册 key
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ResetAll 强制关闭所有熔断器
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
