// Package indexer coordinates one on-disk index file with the in-memory delta
// of documents changed since it was written. Queries see the file overlaid by
// the delta; Save folds the delta into a new file generation.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/fs"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/disk"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/match"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/memory"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/stream"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/resilience"
)

// FileExt is the extension of index files under IndexerConfig.DataDir.
const FileExt = ".index"

const listenerTimeout = 10 * time.Second

// Generation describes one committed index file.
type Generation struct {
	Scope       string    `json:"scope"`
	Path        string    `json:"path"`
	Documents   int       `json:"documents"`
	CommittedAt time.Time `json:"committed_at"`
}

// CommitListener is told about every generation written by Save. Errors are
// logged and do not fail the save.
type CommitListener interface {
	OnCommit(ctx context.Context, g Generation) error
}

// CommitListenerFunc adapts a function to CommitListener.
type CommitListenerFunc func(ctx context.Context, g Generation) error

func (f CommitListenerFunc) OnCommit(ctx context.Context, g Generation) error {
	return f(ctx, g)
}

// Stats is a point-in-time summary of an engine.
type Stats struct {
	Scope          string   `json:"scope"`
	Path           string   `json:"path"`
	Documents      int      `json:"documents"`
	ReferenceSize  int      `json:"reference_size"`
	Categories     []string `json:"categories"`
	DeltaDocuments int      `json:"delta_documents"`
	DeltaBytes     int64    `json:"delta_bytes"`
	Version        uint64   `json:"version"`
}

// Engine owns one index file and its delta. Updates and queries may run
// concurrently; Save excludes both while it replaces the file.
type Engine struct {
	scope     string
	cfg       config.IndexerConfig
	fsys      fs.FileSystem
	path      string
	metrics   *metrics.Metrics
	listeners []CommitListener
	strict    bool
	logger    *slog.Logger

	mu    sync.RWMutex
	disk  *disk.DiskIndex
	delta *memory.Index

	// version changes whenever query results may have changed.
	version atomic.Uint64
	saving  atomic.Bool
}

type Option func(*Engine)

// WithPath opens path instead of <DataDir>/<scope>.index.
func WithPath(path string) Option {
	return func(e *Engine) {
		e.path = path
	}
}

func WithFileSystem(fsys fs.FileSystem) Option {
	return func(e *Engine) {
		e.fsys = fsys
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithStrictOpen makes NewEngine fail on a corrupt index file instead of
// replacing it with an empty one.
func WithStrictOpen() Option {
	return func(e *Engine) {
		e.strict = true
	}
}

// WithCommitListeners registers listeners called after every Save.
func WithCommitListeners(listeners ...CommitListener) Option {
	return func(e *Engine) {
		e.listeners = append(e.listeners, listeners...)
	}
}

// NewEngine opens the index file of scope, creating an empty one if needed.
// A corrupt file is replaced by an empty one; its documents must be
// re-submitted.
func NewEngine(scope string, cfg config.IndexerConfig, opts ...Option) (*Engine, error) {
	if scope == "" {
		return nil, fmt.Errorf("%w: scope is required", apperrors.ErrInvalidInput)
	}
	e := &Engine{
		scope:  scope,
		cfg:    cfg,
		fsys:   fs.Default,
		delta:  memory.New(),
		logger: slog.Default().With("component", "indexer", "scope", scope),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.fsys.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index data directory: %w", err)
	}
	if e.path == "" {
		e.path = resolvePath(e.fsys, filepath.Join(cfg.DataDir, scope+FileExt))
	}

	d, err := disk.New(e.path, disk.WithFileSystem(e.fsys), disk.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	err = d.Initialize(cfg.ReuseExisting)
	if errors.Is(err, apperrors.ErrCorruptIndex) && !e.strict {
		e.logger.Error("index file is corrupt, starting empty", "path", e.path, "error", err)
		err = d.Initialize(false)
	}
	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", e.path, err)
	}
	e.disk = d
	e.observe()
	e.logger.Info("index opened",
		"path", d.Path(),
		"documents", d.DocumentCount(),
		"categories", len(d.Categories()),
	)
	return e, nil
}

// resolvePath returns path, or its temporary sibling when only that exists:
// the state left behind by a merge whose final rename failed.
func resolvePath(fsys fs.FileSystem, path string) string {
	if fs.Exists(fsys, path) {
		return path
	}
	if tmp := path + ".tmp"; fs.Exists(fsys, tmp) {
		return tmp
	}
	return path
}

func (e *Engine) Scope() string {
	return e.scope
}

// Path is the file currently backing the engine.
func (e *Engine) Path() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.disk.Path()
}

// Version changes after every update or save. Cached query results are valid
// only for the version they were computed at.
func (e *Engine) Version() uint64 {
	return e.version.Load()
}

// AddDocument replaces the indexed contents of docName. table maps a category
// to the words the document holds in it.
func (e *Engine) AddDocument(ctx context.Context, docName string, table map[string][]string) error {
	if err := validateDocument(docName, table); err != nil {
		return err
	}
	// queries read the delta more than once; they must not see it change
	e.mu.Lock()
	e.delta.AddDocument(docName, table)
	e.mu.Unlock()
	e.version.Add(1)
	if e.metrics != nil {
		e.metrics.DocumentUpdatesTotal.WithLabelValues("put").Inc()
	}
	return e.maybeSave(ctx)
}

// RemoveDocument drops docName from the index. Removing an unknown document is
// not an error.
func (e *Engine) RemoveDocument(ctx context.Context, docName string) error {
	if err := validateName("document name", docName); err != nil {
		return err
	}
	e.mu.Lock()
	e.delta.Remove(docName)
	e.mu.Unlock()
	e.version.Add(1)
	if e.metrics != nil {
		e.metrics.DocumentUpdatesTotal.WithLabelValues("delete").Inc()
	}
	return e.maybeSave(ctx)
}

func validateDocument(docName string, table map[string][]string) error {
	if err := validateName("document name", docName); err != nil {
		return err
	}
	for category, words := range table {
		if err := validateName("category in "+stream.Clip(docName), category); err != nil {
			return err
		}
		for _, word := range words {
			if err := validateName("word in "+stream.Clip(docName)+"/"+stream.Clip(category), word); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateName rejects strings the index file cannot store as given.
func validateName(what, s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty %s", apperrors.ErrInvalidInput, what)
	}
	if err := stream.CheckString(s); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func (e *Engine) maybeSave(ctx context.Context) error {
	size := e.delta.Size()
	if e.metrics != nil {
		e.metrics.DeltaBytes.WithLabelValues(e.scope).Set(float64(size))
		e.metrics.DeltaDocuments.WithLabelValues(e.scope).Set(float64(e.delta.Count()))
	}
	if e.cfg.MaxDeltaSize <= 0 || size < e.cfg.MaxDeltaSize || !e.saving.CompareAndSwap(false, true) {
		return nil
	}
	defer e.saving.Store(false)
	e.logger.Info("delta reached max size, merging",
		"size", size,
		"threshold", e.cfg.MaxDeltaSize,
	)
	if err := e.Save(ctx); err != nil {
		return fmt.Errorf("merging delta: %w", err)
	}
	return nil
}

// Query returns the words of categories matching key under rule, each with
// the names of the documents containing it. An empty key returns every word.
func (e *Engine) Query(ctx context.Context, categories []string, key string, rule match.Rule) (index.Results, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	results, err := e.query(categories, key, rule)
	e.observeQuery(rule, results, err, time.Since(start))
	if err != nil {
		e.logger.Error("query failed",
			"key", key,
			"rule", rule.String(),
			"error", err,
		)
		return nil, err
	}
	return results, nil
}

func (e *Engine) query(categories []string, key string, rule match.Rule) (index.Results, error) {
	var matcher *match.Matcher
	if key != "" {
		var err error
		if matcher, err = match.Compile(key, rule); err != nil {
			return nil, err
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	session := e.disk.StartQuery()
	defer session.Close()

	results, err := e.disk.AddQueryResults(categories, key, rule, e.delta)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", e.disk.Path(), err)
	}
	if err := e.disk.ResolveResults(results); err != nil {
		return nil, fmt.Errorf("resolving document names in %s: %w", e.disk.Path(), err)
	}
	if e.delta.HasChanged() {
		results = e.delta.AddQueryResults(results, categories, matcher)
	}
	if results == nil {
		results = make(index.Results)
	}
	return results, nil
}

func (e *Engine) observeQuery(rule match.Rule, results index.Results, err error, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	outcome := "hit"
	switch {
	case err != nil:
		outcome = "error"
	case len(results) == 0:
		outcome = "zero_result"
	}
	e.metrics.QueriesTotal.WithLabelValues(rule.Mode().String(), outcome).Inc()
	e.metrics.QueryLatency.WithLabelValues("engine").Observe(elapsed.Seconds())
	if err == nil {
		e.metrics.QueryResultsCount.Observe(float64(len(results)))
	}
}

// DocumentNames lists the documents whose name starts with prefix.
func (e *Engine) DocumentNames(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	onDisk, err := e.disk.DocumentNames(prefix, e.delta)
	if err != nil {
		return nil, fmt.Errorf("listing documents of %s: %w", e.disk.Path(), err)
	}
	names := append(onDisk, e.delta.DocumentNames(prefix)...)
	sort.Strings(names)
	return names, nil
}

// Save merges the delta into a new index file and empties the delta. It is a
// no-op when nothing changed.
func (e *Engine) Save(ctx context.Context) error {
	e.mu.Lock()
	if !e.delta.HasChanged() {
		e.mu.Unlock()
		return nil
	}
	start := time.Now()
	changed := e.delta.Count()
	merged, err := e.disk.MergeWith(e.delta)
	if err != nil {
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.MergesTotal.WithLabelValues("failure").Inc()
		}
		return fmt.Errorf("saving scope %s: %w", e.scope, err)
	}
	e.disk = merged
	e.delta.Reset()
	e.version.Add(1)
	g := Generation{
		Scope:       e.scope,
		Path:        merged.Path(),
		Documents:   merged.DocumentCount(),
		CommittedAt: time.Now().UTC(),
	}
	e.mu.Unlock()

	elapsed := time.Since(start)
	if e.metrics != nil {
		e.metrics.MergesTotal.WithLabelValues("success").Inc()
		e.metrics.MergeDuration.Observe(elapsed.Seconds())
	}
	e.observe()
	e.logger.Info("index saved",
		"path", g.Path,
		"documents", g.Documents,
		"changed", changed,
		"duration_ms", elapsed.Milliseconds(),
	)
	for _, l := range e.listeners {
		err := resilience.WithTimeout(ctx, listenerTimeout, "commit-listener", func(ctx context.Context) error {
			return l.OnCommit(ctx, g)
		})
		if err != nil {
			e.logger.Error("commit listener failed", "path", g.Path, "error", err)
		}
	}
	return nil
}

func (e *Engine) observe() {
	if e.metrics == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.metrics.IndexDocuments.WithLabelValues(e.scope).Set(float64(e.disk.DocumentCount()))
	e.metrics.DeltaDocuments.WithLabelValues(e.scope).Set(float64(e.delta.Count()))
	e.metrics.DeltaBytes.WithLabelValues(e.scope).Set(float64(e.delta.Size()))
}

// Stats summarizes the committed file and the pending delta.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Scope:          e.scope,
		Path:           e.disk.Path(),
		Documents:      e.disk.DocumentCount(),
		ReferenceSize:  e.disk.DocumentReferenceSize(),
		Categories:     e.disk.Categories(),
		DeltaDocuments: e.delta.Count(),
		DeltaBytes:     e.delta.Size(),
		Version:        e.version.Load(),
	}
}

// StartFlushLoop saves the delta every FlushInterval until ctx is done, then
// saves one last time. The returned channel is closed when the loop exits.
func (e *Engine) StartFlushLoop(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	interval := e.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("flush loop stopping, performing final save")
				if err := e.Save(context.WithoutCancel(ctx)); err != nil {
					e.logger.Error("final save failed", "error", err)
				}
				return
			case <-ticker.C:
				if err := e.Save(ctx); err != nil {
					e.logger.Error("periodic save failed", "error", err)
				}
			}
		}
	}()
	return done
}

// Close saves any pending changes.
func (e *Engine) Close() error {
	if err := e.Save(context.Background()); err != nil {
		e.logger.Error("final save on close failed", "error", err)
		return err
	}
	return nil
}

// Delete removes the index file and forgets the delta.
func (e *Engine) Delete() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delta.Reset()
	e.version.Add(1)
	return e.disk.Delete()
}

// IsIndexFile reports whether name looks like a file written by an engine.
func IsIndexFile(name string) bool {
	return strings.HasSuffix(name, FileExt) || strings.HasSuffix(name, FileExt+".tmp")
}
