package disk

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/fs"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/match"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/memory"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
)

var exact = match.Exact | match.CaseSensitive

func TestMergeEndToEnd(t *testing.T) {
	d := newIndex(t)
	path := d.Path()

	d, err := d.MergeWith(deltaOf(docs{
		"A.java": {"decl": {"Foo"}},
		"B.java": {"decl": {"Bar"}},
	}))
	require.NoError(t, err)
	assert.Equal(t, path, d.Path())
	assert.Equal(t, map[string][]string{"Foo": {"A.java"}}, query(t, d, []string{"decl"}, "Foo", exact, nil))

	d, err = d.MergeWith(deltaOf(nil, "A.java"))
	require.NoError(t, err)
	assert.Empty(t, query(t, d, []string{"decl"}, "Foo", exact, nil))
	assert.Equal(t, map[string][]string{"Bar": {"B.java"}}, query(t, d, []string{"decl"}, "Bar", exact, nil))

	_, err = os.Stat(path + tmpExt)
	assert.True(t, os.IsNotExist(err))
}

func TestMergeWithEmptyDeltaKeepsResults(t *testing.T) {
	entries := manyDocs(150, "ref", "Common")
	entries["a/One.java"] = map[string][]string{"decl": {"One", "Shared"}, "ref": {"Two"}}
	entries["b/Two.java"] = map[string][]string{"decl": {"Two", "Shared"}}
	d := buildIndex(t, entries)

	before := map[string]map[string][]string{
		"decl": query(t, d, []string{"decl"}, "", match.Exact, nil),
		"ref":  query(t, d, []string{"ref"}, "", match.Exact, nil),
	}
	merged, err := d.MergeWith(memory.New())
	require.NoError(t, err)
	after := map[string]map[string][]string{
		"decl": query(t, merged, []string{"decl"}, "", match.Exact, nil),
		"ref":  query(t, merged, []string{"ref"}, "", match.Exact, nil),
	}
	assert.Equal(t, before, after)
	assert.Len(t, after["ref"]["Common"], 150)
}

func TestMergeDeletionLeavesNoDanglingNumbers(t *testing.T) {
	d := buildIndex(t, docs{
		"A.java": {"decl": {"Foo", "Only"}, "ref": {"Bar"}},
		"B.java": {"decl": {"Foo"}, "ref": {"Bar"}},
		"C.java": {"ref": {"Foo"}},
	})
	merged, err := d.MergeWith(deltaOf(nil, "B.java"))
	require.NoError(t, err)

	names, err := merged.DocumentNames("", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A.java", "C.java"}, names)
	assert.Equal(t, 2, merged.DocumentCount())

	for _, category := range merged.Categories() {
		table, err := merged.readCategoryTable(category, true)
		require.NoError(t, err)
		for word, postings := range table {
			for _, n := range postings.Numbers() {
				assert.Less(t, int(n), merged.DocumentCount(), "%s/%s", category, word)
			}
		}
	}
	assert.Equal(t, map[string][]string{
		"Foo":  {"A.java"},
		"Only": {"A.java"},
	}, query(t, merged, []string{"decl"}, "", match.Exact, nil))
	assert.Equal(t, map[string][]string{"Bar": {"A.java"}, "Foo": {"C.java"}},
		query(t, merged, []string{"ref"}, "", match.Exact, nil))
}

func TestMergeChangedDocumentReplacesWords(t *testing.T) {
	d := buildIndex(t, docs{
		"A.java": {"decl": {"Old"}},
		"B.java": {"decl": {"Old", "Kept"}},
	})
	merged, err := d.MergeWith(deltaOf(docs{
		"A.java": {"decl": {"New"}, "ref": {"Kept"}},
		"0.java": {"decl": {"Kept"}},
	}))
	require.NoError(t, err)

	assert.Equal(t, map[string][]string{
		"Old":  {"B.java"},
		"Kept": {"0.java", "B.java"},
		"New":  {"A.java"},
	}, query(t, merged, []string{"decl"}, "", match.Exact, nil))
	assert.Equal(t, map[string][]string{"Kept": {"0.java", "A.java", "B.java"}},
		query(t, merged, []string{"decl", "ref"}, "Kept", exact, nil))
}

func TestMergeDropsEmptiedCategories(t *testing.T) {
	d := buildIndex(t, docs{
		"A.java": {"decl": {"Foo"}, "gone": {"X"}},
		"B.java": {"decl": {"Bar"}},
	})
	merged, err := d.MergeWith(deltaOf(docs{"A.java": {"decl": {"Foo"}}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"decl"}, merged.Categories())
}

func TestMergeShortCircuits(t *testing.T) {
	d := newIndex(t)
	same, err := d.MergeWith(deltaOf(nil, "Never.java"))
	require.NoError(t, err)
	assert.Same(t, d, same)

	populated := buildIndex(t, docs{"A.java": {"decl": {"Foo"}}, "B.java": {"decl": {"Foo"}}})
	emptied, err := populated.MergeWith(deltaOf(nil, "A.java", "B.java", "C.java"))
	require.NoError(t, err)
	assert.NotSame(t, populated, emptied)
	assert.Equal(t, populated.Path(), emptied.Path())
	assert.True(t, emptied.IsEmpty())

	reopened, err := New(emptied.Path())
	require.NoError(t, err)
	require.NoError(t, reopened.Initialize(true))
	assert.True(t, reopened.IsEmpty())
}

func TestMergeWriteFailureLeavesOriginal(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	d := buildIndex(t, manyDocs(50, "decl", "Foo"), WithFileSystem(ffs))
	original, err := os.ReadFile(d.Path())
	require.NoError(t, err)

	ffs.AddRule(tmpExt, fs.Fault{FailAfterBytes: 64})
	_, err = d.MergeWith(deltaOf(docs{"new/A.java": {"decl": {"Bar"}}}))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrIndexIO)
	assert.ErrorIs(t, err, fs.ErrInjected)

	after, err := os.ReadFile(d.Path())
	require.NoError(t, err)
	assert.Equal(t, original, after)
	_, err = os.Stat(d.Path() + tmpExt)
	assert.True(t, os.IsNotExist(err))
	assert.Len(t, query(t, d, []string{"decl"}, "Foo", exact, nil)["Foo"], 50)
}

func TestMergeRefusesStringsItCannotStore(t *testing.T) {
	d := buildIndex(t, docs{"A.java": {"decl": {"Foo"}}})
	original, err := os.ReadFile(d.Path())
	require.NoError(t, err)

	for _, delta := range []docs{
		{"a\xff.java": {"decl": {"Foo"}}},
		{"B.java": {"decl": {"F\xffoo"}}},
		{"B.java": {"decl": {strings.Repeat("x", 70000)}}},
	} {
		_, err := d.MergeWith(deltaOf(delta))
		require.ErrorIs(t, err, apperrors.ErrInvalidInput)
		assert.Less(t, len(err.Error()), 512)
	}

	after, err := os.ReadFile(d.Path())
	require.NoError(t, err)
	assert.Equal(t, original, after)
	_, err = os.Stat(d.Path() + tmpExt)
	assert.True(t, os.IsNotExist(err))
}

func TestMergeSyncFailureLeavesOriginal(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	d := buildIndex(t, docs{"A.java": {"decl": {"Foo"}}}, WithFileSystem(ffs))

	ffs.AddRule(tmpExt, fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	_, err := d.MergeWith(deltaOf(docs{"B.java": {"decl": {"Bar"}}}))
	assert.ErrorIs(t, err, apperrors.ErrIndexIO)

	reopened, err := New(d.Path())
	require.NoError(t, err)
	require.NoError(t, reopened.Initialize(true))
	assert.Equal(t, 1, reopened.DocumentCount())
}

func TestMergeRenameFallback(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	d := buildIndex(t, docs{"A.java": {"decl": {"Foo"}}}, WithFileSystem(ffs))
	path := d.Path()

	ffs.AddRule(tmpExt, fs.Fault{FailAfterBytes: -1, FailRenames: 2})
	renamesBefore := ffs.RenameAttempts()
	merged, err := d.MergeWith(deltaOf(docs{"B.java": {"decl": {"Foo"}}}))
	require.NoError(t, err)
	assert.Equal(t, 2, ffs.RenameAttempts()-renamesBefore)
	assert.Equal(t, path+tmpExt, merged.Path())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, map[string][]string{"Foo": {"A.java", "B.java"}},
		query(t, merged, []string{"decl"}, "Foo", exact, nil))

	back, err := merged.MergeWith(deltaOf(docs{"C.java": {"decl": {"Foo"}}}))
	require.NoError(t, err)
	assert.Equal(t, path, back.Path())
	_, err = os.Stat(path + tmpExt)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, map[string][]string{"Foo": {"A.java", "B.java", "C.java"}},
		query(t, back, []string{"decl"}, "Foo", exact, nil))
}

func TestMergeRenameRetrySucceeds(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	d := buildIndex(t, docs{"A.java": {"decl": {"Foo"}}}, WithFileSystem(ffs))

	ffs.AddRule(tmpExt, fs.Fault{FailAfterBytes: -1, FailRenames: 1})
	merged, err := d.MergeWith(deltaOf(docs{"B.java": {"decl": {"Foo"}}}))
	require.NoError(t, err)
	assert.Equal(t, d.Path(), merged.Path())
}

func TestComputeDocumentNames(t *testing.T) {
	onDisk := []string{"a", "c", "e", "g"}
	delta := deltaOf(docs{
		"b": {"decl": {"B"}},
		"e": {"decl": {"E2"}},
		"h": {"decl": {"H"}},
	}, "c", "x")

	plan := computeDocumentNames(onDisk, delta)
	assert.Equal(t, []string{"a", "b", "e", "g", "h"}, plan.names)
	assert.Equal(t, []int32{0, deleted, reIndexed, 3}, plan.positions)
	assert.Equal(t, map[string]int32{"b": 1, "e": 2, "h": 4}, plan.indexed)

	plan = computeDocumentNames(nil, delta)
	assert.Equal(t, []string{"b", "e", "h"}, plan.names)
	assert.Empty(t, plan.positions)
}
