package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/indexer/scope"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/config"
)

func newServer(t *testing.T) (*httptest.Server, *scope.Router) {
	t.Helper()
	router, err := scope.NewRouter(context.Background(), config.IndexerConfig{
		DataDir:       t.TempDir(),
		MaxDeltaSize:  1 << 30,
		FlushInterval: time.Hour,
		ReuseExisting: true,
		Scopes:        []string{"jdk", "workspace"},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { router.Close() })

	h := New(router, executor.New(executor.Scopes(router), 4), nil, nil, 2)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, router
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func put(t *testing.T, srv *httptest.Server, body string) {
	t.Helper()
	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/documents", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestQueryAfterPut(t *testing.T) {
	srv, _ := newServer(t)
	put(t, srv, `{"scope":"jdk","document":"java/util/List.java","categories":{"decl":["List"]}}`)
	put(t, srv, `{"scope":"workspace","document":"app/MyList.java","categories":{"decl":["MyList"],"ref":["List"]}}`)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/query?category=decl,ref&key=li&mode=prefix", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total_words"])
	assert.Equal(t, []any{"jdk", "workspace"}, body["scopes"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/query?scope=workspace&category=decl", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	words := body["words"].([]any)
	require.Len(t, words, 1)
	assert.Equal(t, "MyList", words[0].(map[string]any)["word"])
}

func TestQueryValidation(t *testing.T) {
	srv, _ := newServer(t)
	cases := []struct {
		name   string
		query  string
		status int
	}{
		{"missing category", "key=x", http.StatusBadRequest},
		{"too many categories", "category=a,b,c", http.StatusBadRequest},
		{"bad mode", "category=decl&mode=fuzzy", http.StatusBadRequest},
		{"bad case", "category=decl&case=maybe", http.StatusBadRequest},
		{"bad limit", "category=decl&limit=-1", http.StatusBadRequest},
		{"bad regexp", "category=decl&mode=regexp&key=(", http.StatusBadRequest},
		{"unknown scope", "category=decl&scope=nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/query?"+tc.query, "")
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestDocumentsAndDelete(t *testing.T) {
	srv, _ := newServer(t)
	put(t, srv, `{"scope":"jdk","document":"java/util/List.java","categories":{"decl":["List"]}}`)
	put(t, srv, `{"scope":"jdk","document":"java/io/File.java","categories":{"decl":["File"]}}`)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/documents?scope=jdk&prefix=java/util/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"java/util/List.java"}, body["documents"])

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/v1/documents?scope=jdk&name=java/util/List.java", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, body = do(t, http.MethodGet, srv.URL+"/api/v1/documents?scope=jdk", "")
	assert.Equal(t, []any{"java/io/File.java"}, body["documents"])

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/v1/documents?scope=jdk", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPutRejectsBadBodies(t *testing.T) {
	srv, _ := newServer(t)
	for _, body := range []string{
		`not json`,
		`{"scope":"jdk","document":"","categories":{"decl":["X"]}}`,
		`{"scope":"jdk","document":"a","deleted":true}`,
	} {
		resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/documents", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/documents", `{"scope":"nope","document":"a","categories":{"decl":["X"]}}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCommit(t *testing.T) {
	srv, router := newServer(t)
	put(t, srv, `{"scope":"jdk","document":"java/util/List.java","categories":{"decl":["List"]}}`)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/commit?scope=jdk", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["documents"])

	engine, err := router.Route("jdk")
	require.NoError(t, err)
	assert.Equal(t, 0, engine.Stats().DeltaDocuments)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/commit?scope=nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["scopes"], 2)
}

func TestCacheEndpointsWithoutCache(t *testing.T) {
	srv, _ := newServer(t)
	_, body := do(t, http.MethodGet, srv.URL+"/api/v1/cache/stats", "")
	assert.Equal(t, "disabled", body["status"])

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/cache/invalidate", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
