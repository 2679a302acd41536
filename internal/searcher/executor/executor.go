// Package executor runs index queries across one or more scopes and shapes
// the merged results for the query API.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/match"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/indexer/scope"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/tracing"
)

// Engine is the part of indexer.Engine the executor needs.
type Engine interface {
	Query(ctx context.Context, categories []string, key string, rule match.Rule) (index.Results, error)
	DocumentNames(ctx context.Context, prefix string) ([]string, error)
	Version() uint64
}

// Router resolves scope names to engines.
type Router interface {
	Scopes() []string
	Route(scope string) (Engine, error)
}

// Scopes adapts a scope.Router to Router.
func Scopes(r *scope.Router) Router {
	return scopeRouter{r}
}

type scopeRouter struct {
	r *scope.Router
}

func (s scopeRouter) Scopes() []string {
	return s.r.Scopes()
}

func (s scopeRouter) Route(name string) (Engine, error) {
	engine, err := s.r.Route(name)
	if err != nil {
		return nil, err
	}
	return engine, nil
}

// Request is one query over a set of scopes.
type Request struct {
	Scopes     []string   `json:"scopes"`
	Categories []string   `json:"categories"`
	Key        string     `json:"key"`
	Rule       match.Rule `json:"rule"`
	// Limit caps the number of words returned; 0 means no limit.
	Limit int `json:"limit"`
}

// Normalize sorts and de-duplicates scopes and categories so that equivalent
// requests compare equal.
func (r Request) Normalize() Request {
	r.Scopes = dedupe(r.Scopes)
	r.Categories = dedupe(r.Categories)
	return r
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Document names one document of one scope.
type Document struct {
	Scope string `json:"scope"`
	Name  string `json:"name"`
}

// WordResult is one matching word and the documents containing it.
type WordResult struct {
	Word      string     `json:"word"`
	Documents []Document `json:"documents"`
}

// Result is the answer to a Request.
type Result struct {
	Key        string       `json:"key"`
	Rule       string       `json:"rule"`
	Scopes     []string     `json:"scopes"`
	Categories []string     `json:"categories"`
	TotalWords int          `json:"total_words"`
	Truncated  bool         `json:"truncated,omitempty"`
	Words      []WordResult `json:"words"`
}

// Executor fans a request out to the engines of its scopes.
type Executor struct {
	router      Router
	concurrency int
	logger      *slog.Logger
}

// New returns an Executor querying at most concurrency scopes at once.
func New(router Router, concurrency int) *Executor {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Executor{
		router:      router,
		concurrency: concurrency,
		logger:      slog.Default().With("component", "query-executor"),
	}
}

// Versions returns the current version of every scope in req, in order.
func (ex *Executor) Versions(req Request) ([]uint64, error) {
	versions := make([]uint64, 0, len(req.Scopes))
	for _, s := range req.Scopes {
		engine, err := ex.router.Route(s)
		if err != nil {
			return nil, err
		}
		versions = append(versions, engine.Version())
	}
	return versions, nil
}

// Execute runs req on every scope concurrently and merges the results. An
// error in any scope fails the whole request.
func (ex *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	req = req.Normalize()
	if len(req.Scopes) == 0 {
		return nil, fmt.Errorf("%w: at least one scope is required", apperrors.ErrInvalidInput)
	}
	if len(req.Categories) == 0 {
		return nil, fmt.Errorf("%w: at least one category is required", apperrors.ErrInvalidInput)
	}
	engines := make([]Engine, len(req.Scopes))
	for i, s := range req.Scopes {
		engine, err := ex.router.Route(s)
		if err != nil {
			return nil, err
		}
		engines[i] = engine
	}

	perScope := make([]index.Results, len(engines))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ex.concurrency)
	for i, engine := range engines {
		g.Go(func() error {
			sctx, span := tracing.StartChildSpan(gctx, "scope "+req.Scopes[i])
			defer span.End()
			results, err := engine.Query(sctx, req.Categories, req.Key, req.Rule)
			if err != nil {
				span.SetAttr("error", err.Error())
				return fmt.Errorf("querying scope %s: %w", req.Scopes[i], err)
			}
			span.SetAttr("words", len(results))
			perScope[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return merge(req, perScope), nil
}

func merge(req Request, perScope []index.Results) *Result {
	byWord := make(map[string][]Document)
	for i, results := range perScope {
		for word, entry := range results {
			for _, name := range entry.DocumentNames() {
				byWord[word] = append(byWord[word], Document{Scope: req.Scopes[i], Name: name})
			}
		}
	}
	words := make([]string, 0, len(byWord))
	for word := range byWord {
		words = append(words, word)
	}
	sort.Strings(words)

	res := &Result{
		Key:        req.Key,
		Rule:       req.Rule.String(),
		Scopes:     req.Scopes,
		Categories: req.Categories,
		TotalWords: len(words),
		Words:      make([]WordResult, 0, len(words)),
	}
	if req.Limit > 0 && len(words) > req.Limit {
		words = words[:req.Limit]
		res.Truncated = true
	}
	for _, word := range words {
		docs := byWord[word]
		sort.Slice(docs, func(a, b int) bool {
			if docs[a].Scope != docs[b].Scope {
				return docs[a].Scope < docs[b].Scope
			}
			return docs[a].Name < docs[b].Name
		})
		res.Words = append(res.Words, WordResult{Word: word, Documents: docs})
	}
	return res
}

// Documents lists the documents of scope whose name starts with prefix.
func (ex *Executor) Documents(ctx context.Context, scope, prefix string) ([]string, error) {
	engine, err := ex.router.Route(scope)
	if err != nil {
		return nil, err
	}
	return engine.DocumentNames(ctx, prefix)
}

// ParseScopes splits comma-separated scope lists, dropping empty entries.
func ParseScopes(values []string) []string {
	scopes := make([]string, 0, len(values))
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				scopes = append(scopes, s)
			}
		}
	}
	return scopes
}
