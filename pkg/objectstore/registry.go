package objectstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"vault-drive-go/internal/model"
	"vault-drive-go/pkg/log"

	"golang.org/x/sync/errgroup"
)

// ProviderSource 提供 storage_providers 表的读写，由仓库层实现。
type ProviderSource interface {
	ListProviders(ctx context.Context) ([]model.StorageProvider, error)
	UpdateHealth(ctx context.Context, name string, status model.HealthStatus, lastErr string, checkedAt time.Time) error
}

// Registry 管理已注册的后端，并按 storage_providers 记录选择新上传使用的默认后端。
type Registry struct {
	mu       sync.RWMutex
	stores   map[string]Store
	fallback string
	source   ProviderSource
	timeout  time.Duration
}

// NewRegistry 创建注册表。source 为空或表中没有记录时，Default 使用 fallback 指定的后端。
func NewRegistry(fallback string, source ProviderSource) *Registry {
	return &Registry{
		stores:   make(map[string]Store),
		fallback: fallback,
		source:   source,
		timeout:  5 * time.Second,
	}
}

// Register 以名称注册一个后端。
func (r *Registry) Register(name string, s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[name] = s
}

// Names 返回所有已注册后端的名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stores))
	for n := range r.stores {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get 返回指定名称的后端，用于访问已经存放在该后端上的对象。
func (r *Registry) Get(name string) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not registered", ErrUnavailable, name)
	}
	return s, nil
}

// Default 返回新上传应使用的后端：优先标记为默认且可用的记录，其次任意可用记录。
func (r *Registry) Default(ctx context.Context) (string, Store, error) {
	if r.source == nil {
		s, err := r.Get(r.fallback)
		return r.fallback, s, err
	}
	providers, err := r.source.ListProviders(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("%w: list providers: %v", ErrUnavailable, err)
	}
	if len(providers) == 0 {
		s, err := r.Get(r.fallback)
		return r.fallback, s, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var candidate *model.StorageProvider
	for i := range providers {
		p := &providers[i]
		if !p.Usable() {
			continue
		}
		if _, ok := r.stores[p.Name]; !ok {
			continue
		}
		if p.IsDefault {
			candidate = p
			break
		}
		if candidate == nil {
			candidate = p
		}
	}
	if candidate == nil {
		return "", nil, fmt.Errorf("%w: no usable storage provider", ErrUnavailable)
	}
	return candidate.Name, r.stores[candidate.Name], nil
}

// CheckHealth 并发 Ping 所有支持健康检查的后端并记录结果。
func (r *Registry) CheckHealth(ctx context.Context) map[string]model.HealthStatus {
	r.mu.RLock()
	stores := make(map[string]Store, len(r.stores))
	for n, s := range r.stores {
		stores[n] = s
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	result := make(map[string]model.HealthStatus, len(stores))
	g, gctx := errgroup.WithContext(ctx)
	for name, s := range stores {
		p, ok := s.(Pinger)
		if !ok {
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, r.timeout)
			err := p.Ping(pctx)
			cancel()

			status := healthOf(err)
			mu.Lock()
			result[name] = status
			mu.Unlock()

			if status != model.HealthHealthy {
				log.Warnf("[StorageHealth] provider=%s status=%s err=%v", name, status, err)
			}
			if r.source != nil {
				lastErr := ""
				if err != nil {
					lastErr = err.Error()
				}
				if uerr := r.source.UpdateHealth(ctx, name, status, lastErr, time.Now()); uerr != nil {
					log.Errorf("[StorageHealth] 记录 provider=%s 健康状态失败: %v", name, uerr)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// RunHealthChecks 按固定间隔执行健康检查，直到 ctx 结束。
func (r *Registry) RunHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.CheckHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckHealth(ctx)
		}
	}
}

func healthOf(err error) model.HealthStatus {
	switch {
	case err == nil:
		return model.HealthHealthy
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrPermissionDenied):
		return model.HealthUnavailable
	default:
		return model.HealthDegraded
	}
}
