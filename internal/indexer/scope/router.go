// Package scope maps named search scopes to index engines. Each scope owns an
// independent indexer.Engine backed by its own file under the data directory;
// nothing is shared between scopes.
package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/match"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
)

// PathLocator returns the last committed file of a scope, or ErrNotFound.
type PathLocator interface {
	LatestPath(ctx context.Context, scope string) (string, error)
}

// Router maps scope names to dedicated indexer.Engine instances.
type Router struct {
	engines map[string]*indexer.Engine
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewRouter opens one engine per configured scope. When locator is non-nil
// it decides which file each scope reopens; otherwise the default file name
// under cfg.DataDir is used.
func NewRouter(ctx context.Context, cfg config.IndexerConfig, locator PathLocator, opts ...indexer.Option) (*Router, error) {
	r := &Router{
		engines: make(map[string]*indexer.Engine, len(cfg.Scopes)),
		logger:  slog.Default().With("component", "scope-router"),
	}
	for _, name := range cfg.Scopes {
		if _, dup := r.engines[name]; dup {
			r.closeAll()
			return nil, fmt.Errorf("%w: scope %q configured twice", apperrors.ErrInvalidInput, name)
		}
		engineOpts := opts
		if locator != nil && cfg.ReuseExisting {
			path, err := locator.LatestPath(ctx, name)
			switch {
			case err == nil:
				engineOpts = append(append([]indexer.Option{}, opts...), indexer.WithPath(path))
			case errors.Is(err, apperrors.ErrNotFound):
			default:
				r.logger.Warn("generation lookup failed, using default path", "scope", name, "error", err)
			}
		}
		engine, err := indexer.NewEngine(name, cfg, engineOpts...)
		if err != nil {
			r.closeAll()
			return nil, fmt.Errorf("creating engine for scope %s: %w", name, err)
		}
		r.engines[name] = engine
		r.logger.Info("scope engine initialized",
			"scope", name,
			"path", engine.Path(),
		)
	}
	r.logger.Info("scope router ready", "scopes", len(r.engines))
	return r, nil
}

// Route returns the Engine of the named scope.
func (r *Router) Route(name string) (*indexer.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	engine, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown scope %q", apperrors.ErrNotFound, name)
	}
	return engine, nil
}

// Scopes returns the scope names, sorted.
func (r *Router) Scopes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Query runs a query against one scope.
func (r *Router) Query(ctx context.Context, name string, categories []string, key string, rule match.Rule) (index.Results, error) {
	engine, err := r.Route(name)
	if err != nil {
		return nil, err
	}
	return engine.Query(ctx, categories, key, rule)
}

// Stats returns the stats of every scope, sorted by name.
func (r *Router) Stats() []indexer.Stats {
	stats := make([]indexer.Stats, 0)
	for _, name := range r.Scopes() {
		if engine, err := r.Route(name); err == nil {
			stats = append(stats, engine.Stats())
		}
	}
	return stats
}

func (r *Router) snapshot() map[string]*indexer.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engines := make(map[string]*indexer.Engine, len(r.engines))
	for name, engine := range r.engines {
		engines[name] = engine
	}
	return engines
}

// SaveAll saves every scope concurrently and returns the first error.
func (r *Router) SaveAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, engine := range r.snapshot() {
		g.Go(func() error {
			if err := engine.Save(gctx); err != nil {
				r.logger.Error("save failed", "scope", name, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// StartFlushLoops starts the flush loop of every engine. The returned channel
// is closed once all loops have finished their final save.
func (r *Router) StartFlushLoops(ctx context.Context) <-chan struct{} {
	engines := r.snapshot()
	done := make(chan struct{})
	var wg sync.WaitGroup
	for name, engine := range engines {
		wg.Add(1)
		loop := engine.StartFlushLoop(ctx)
		r.logger.Info("flush loop started", "scope", name)
		go func() {
			defer wg.Done()
			<-loop
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// Close saves and closes every engine.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeAll()
}

// closeAll closes every engine, collecting the first error encountered.
func (r *Router) closeAll() error {
	var firstErr error
	for name, engine := range r.engines {
		if err := engine.Close(); err != nil {
			r.logger.Error("close failed", "scope", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
