package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/match"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/indexer/scope"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/searcher/executor"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/tracing"
)

const maxBodyBytes = 4 << 20

type Handler struct {
	router        *scope.Router
	executor      *executor.Executor
	cache         *cache.QueryCache
	metrics       *metrics.Metrics
	maxCategories int
	logger        *slog.Logger
}

// New returns a Handler. queryCache and m may be nil.
func New(router *scope.Router, exec *executor.Executor, queryCache *cache.QueryCache, m *metrics.Metrics, maxCategories int) *Handler {
	return &Handler{
		router:        router,
		executor:      exec,
		cache:         queryCache,
		metrics:       m,
		maxCategories: maxCategories,
		logger:        slog.Default().With("component", "index-handler"),
	}
}

// Register mounts every endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/query", h.Query)
	mux.HandleFunc("GET /api/v1/documents", h.Documents)
	mux.HandleFunc("POST /api/v1/documents", h.PutDocument)
	mux.HandleFunc("DELETE /api/v1/documents", h.DeleteDocument)
	mux.HandleFunc("POST /api/v1/commit", h.Commit)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
}

// Query answers GET /api/v1/query?scope=&category=&key=&mode=&case=&limit=.
// Without a scope parameter every configured scope is searched.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := tracing.StartSpan(r.Context(), "query", middleware.GetRequestID(r.Context()))
	log := logger.FromContext(ctx)
	defer func() {
		span.End()
		span.Log(ctx, log)
	}()
	q := r.URL.Query()

	req := executor.Request{
		Scopes:     executor.ParseScopes(q["scope"]),
		Categories: executor.ParseScopes(q["category"]),
		Key:        q.Get("key"),
	}
	if len(req.Scopes) == 0 {
		req.Scopes = h.router.Scopes()
	}
	if len(req.Categories) == 0 {
		h.writeError(w, http.StatusBadRequest, "query parameter 'category' is required")
		return
	}
	if h.maxCategories > 0 && len(req.Categories) > h.maxCategories {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d categories are allowed", h.maxCategories))
		return
	}
	caseSensitive := false
	if v := q.Get("case"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "case must be a boolean")
			return
		}
		caseSensitive = parsed
	}
	rule, err := match.ParseRule(q.Get("mode"), caseSensitive)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	req.Rule = rule
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		req.Limit = limit
	}
	req = req.Normalize()

	var result *executor.Result
	cacheHit := false
	if h.cache != nil {
		versions, err := h.executor.Versions(req)
		if err != nil {
			h.writeFailure(w, err)
			return
		}
		result, cacheHit, err = h.cache.GetOrCompute(ctx, req, versions, func() (*executor.Result, error) {
			return h.executor.Execute(ctx, req)
		})
		if err != nil {
			log.Error("query failed", "key", req.Key, "scopes", req.Scopes, "error", err)
			h.writeFailure(w, err)
			return
		}
	} else {
		result, err = h.executor.Execute(ctx, req)
		if err != nil {
			log.Error("query failed", "key", req.Key, "scopes", req.Scopes, "error", err)
			h.writeFailure(w, err)
			return
		}
	}

	elapsed := time.Since(start)
	if h.metrics != nil {
		status := "miss"
		if cacheHit {
			status = "hit"
		}
		h.metrics.QueryLatency.WithLabelValues(status).Observe(elapsed.Seconds())
	}
	span.SetAttr("cache_hit", cacheHit)
	log.Info("query completed",
		"key", req.Key,
		"rule", req.Rule.String(),
		"scopes", req.Scopes,
		"total_words", result.TotalWords,
		"cache_hit", cacheHit,
		"latency_ms", elapsed.Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, result)
}

// Documents answers GET /api/v1/documents?scope=&prefix=.
func (h *Handler) Documents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("scope")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'scope' is required")
		return
	}
	names, err := h.executor.Documents(r.Context(), name, q.Get("prefix"))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"scope":     name,
		"total":     len(names),
		"documents": names,
	})
}

// PutDocument indexes the document described by a JSON DocumentEvent body.
func (h *Handler) PutDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var event consumer.DocumentEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if event.Deleted {
		h.writeError(w, http.StatusBadRequest, "use DELETE to remove a document")
		return
	}
	if err := consumer.Apply(r.Context(), h.router, event); err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "indexed",
		"scope":    event.Scope,
		"document": event.Document,
	})
}

// DeleteDocument answers DELETE /api/v1/documents?scope=&name=.
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	event := consumer.DocumentEvent{
		Scope:    q.Get("scope"),
		Document: q.Get("name"),
		Deleted:  true,
	}
	if event.Scope == "" || event.Document == "" {
		h.writeError(w, http.StatusBadRequest, "query parameters 'scope' and 'name' are required")
		return
	}
	if err := consumer.Apply(r.Context(), h.router, event); err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "deleted",
		"scope":    event.Scope,
		"document": event.Document,
	})
}

// Commit merges the delta of one scope, or of every scope when none is given.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.URL.Query().Get("scope")
	if name == "" {
		if err := h.router.SaveAll(ctx); err != nil {
			h.writeFailure(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, h.router.Stats())
		return
	}
	engine, err := h.router.Route(name)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	if err := engine.Save(ctx); err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, engine.Stats())
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"scopes": h.router.Stats()})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

// CacheInvalidate drops the cached queries of ?scope=, or all of them.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}

	var err error
	if name := r.URL.Query().Get("scope"); name != "" {
		err = h.cache.Invalidate(r.Context(), name)
	} else {
		err = h.cache.InvalidateAll(r.Context())
	}
	if err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps err onto a status code. Internal failures are not echoed
// to the client.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatusCode(err)
	message := err.Error()
	switch {
	case status >= http.StatusInternalServerError && errors.Is(err, apperrors.ErrCorruptIndex):
		message = "index is corrupt"
	case status >= http.StatusInternalServerError:
		message = "internal error"
	}
	h.writeError(w, status, message)
}
