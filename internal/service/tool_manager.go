package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/runstream/internal/port/cache"
	"github.com/Strob0t/runstream/internal/port/toolregistry"
)

// ToolManager resolves tools through a registry and caches loaded APIs by
// tool name. Concurrent loads of the same tool share one registry call.
type ToolManager struct {
	registry toolregistry.Registry
	apis     cache.Cache[toolregistry.API]
	ttl      time.Duration
	group    singleflight.Group
}

// NewToolManager creates a ToolManager. apis may be nil to disable caching.
func NewToolManager(registry toolregistry.Registry, apis cache.Cache[toolregistry.API], ttl time.Duration) *ToolManager {
	return &ToolManager{registry: registry, apis: apis, ttl: ttl}
}

// Manifest returns the manifest of name.
func (m *ToolManager) Manifest(ctx context.Context, name string) (toolregistry.Manifest, bool) {
	return m.registry.Manifest(ctx, name)
}

// LoadAPI returns the cached API for name, loading it on first use.
func (m *ToolManager) LoadAPI(ctx context.Context, name string) (toolregistry.API, error) {
	if m.apis != nil {
		if api, ok := m.apis.Get(ctx, name); ok {
			return api, nil
		}
	}

	// The load is shared by every caller of name, so it must not end when
	// the first caller gives up. Each caller still leaves on its own ctx.
	ch := m.group.DoChan(name, func() (any, error) {
		loadCtx := context.WithoutCancel(ctx)
		api, err := m.registry.LoadAPI(loadCtx, name)
		if err != nil {
			return nil, err
		}
		if api == nil {
			return nil, fmt.Errorf("load %s: %w", name, toolregistry.ErrNoAPI)
		}
		if m.apis != nil {
			if err := m.apis.Set(loadCtx, name, api, m.ttl); err != nil {
				slog.Warn("tool api cache set failed", "tool", name, "error", err)
			}
		}
		return api, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			slog.Debug("tool api load shared", "tool", name)
		}
		return res.Val.(toolregistry.API), nil
	}
}

// Invalidate drops the cached API of name.
func (m *ToolManager) Invalidate(ctx context.Context, name string) {
	if m.apis == nil {
		return
	}
	if err := m.apis.Delete(ctx, name); err != nil {
		slog.Warn("tool api cache delete failed", "tool", name, "error", err)
	}
}
