package disk

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/match"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/memory"
)

type docs map[string]map[string][]string

func newIndex(t *testing.T, opts ...Option) *DiskIndex {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "test.index"), opts...)
	require.NoError(t, err)
	require.NoError(t, d.Initialize(false))
	return d
}

func deltaOf(entries docs, deletions ...string) *memory.Index {
	delta := memory.New()
	for name, table := range entries {
		delta.AddDocument(name, table)
	}
	for _, name := range deletions {
		delta.Remove(name)
	}
	return delta
}

func buildIndex(t *testing.T, entries docs, opts ...Option) *DiskIndex {
	t.Helper()
	merged, err := newIndex(t, opts...).MergeWith(deltaOf(entries))
	require.NoError(t, err)
	return merged
}

// query runs one session and returns word -> sorted document names.
func query(t *testing.T, d *DiskIndex, categories []string, key string, rule match.Rule, delta *memory.Index) map[string][]string {
	t.Helper()
	session := d.StartQuery()
	defer session.Close()
	results, err := d.AddQueryResults(categories, key, rule, delta)
	require.NoError(t, err)
	require.NoError(t, d.ResolveResults(results))
	out := make(map[string][]string, len(results))
	for word, result := range results {
		out[word] = result.DocumentNames()
	}
	return out
}

// manyDocs returns n documents all containing word in category.
func manyDocs(n int, category, word string) docs {
	entries := make(docs, n)
	for i := 0; i < n; i++ {
		entries[fmt.Sprintf("src/pkg/File%05d.java", i)] = map[string][]string{category: {word}}
	}
	return entries
}
