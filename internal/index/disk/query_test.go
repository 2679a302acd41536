package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/match"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
)

func queryFixture(t *testing.T) *DiskIndex {
	return buildIndex(t, docs{
		"A.java": {"decl": {"Foo", "FooBar", "NullPointerException"}, "ref": {"Bar"}},
		"B.java": {"decl": {"Bar", "foo"}, "ref": {"Foo", "FooBar"}},
		"C.java": {"ref": {"Baz"}},
	})
}

func TestQueryRules(t *testing.T) {
	d := queryFixture(t)
	tests := []struct {
		name       string
		categories []string
		key        string
		rule       match.Rule
		want       map[string][]string
	}{
		{"exact", []string{"decl"}, "Foo", match.Exact | match.CaseSensitive,
			map[string][]string{"Foo": {"A.java"}}},
		{"exact miss", []string{"decl"}, "Fo", match.Exact | match.CaseSensitive,
			map[string][]string{}},
		{"exact insensitive", []string{"decl"}, "FOO", match.Exact,
			map[string][]string{"Foo": {"A.java"}, "foo": {"B.java"}}},
		{"prefix", []string{"decl"}, "Foo", match.Prefix | match.CaseSensitive,
			map[string][]string{"Foo": {"A.java"}, "FooBar": {"A.java"}}},
		{"pattern", []string{"decl", "ref"}, "*Bar", match.Pattern | match.CaseSensitive,
			map[string][]string{"Bar": {"A.java", "B.java"}, "FooBar": {"A.java", "B.java"}}},
		{"regexp", []string{"ref"}, "Ba.", match.Regexp | match.CaseSensitive,
			map[string][]string{"Bar": {"A.java"}, "Baz": {"C.java"}}},
		{"camel case", []string{"decl"}, "NPE", match.CamelCase | match.CaseSensitive,
			map[string][]string{"NullPointerException": {"A.java"}}},
		{"unknown category", []string{"nope"}, "Foo", match.Exact | match.CaseSensitive,
			map[string][]string{}},
		{"whole categories", []string{"ref", "nope"}, "", match.Exact,
			map[string][]string{"Bar": {"A.java"}, "Foo": {"B.java"}, "FooBar": {"B.java"}, "Baz": {"C.java"}}},
		{"duplicate words across categories", []string{"decl", "ref"}, "Foo", match.Exact | match.CaseSensitive,
			map[string][]string{"Foo": {"A.java", "B.java"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, query(t, d, tt.categories, tt.key, tt.rule, nil))
		})
	}
}

func TestQueryInvalidRegexp(t *testing.T) {
	d := queryFixture(t)
	_, err := d.AddQueryResults([]string{"decl"}, "(", match.Regexp, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestQueryDeltaShadowing(t *testing.T) {
	d := queryFixture(t)

	changed := deltaOf(docs{"A.java": {"decl": {"Other"}}})
	got := query(t, d, []string{"decl", "ref"}, "Foo", match.Exact|match.CaseSensitive, changed)
	assert.Equal(t, map[string][]string{"Foo": {"B.java"}}, got)

	removed := deltaOf(nil, "B.java")
	got = query(t, d, []string{"decl", "ref"}, "", match.Exact, removed)
	assert.Equal(t, map[string][]string{
		"Foo":                  {"A.java"},
		"FooBar":               {"A.java"},
		"NullPointerException": {"A.java"},
		"Bar":                  {"A.java"},
		"Baz":                  {"C.java"},
	}, got)

	everything := deltaOf(nil, "A.java", "B.java", "C.java")
	got = query(t, d, []string{"decl"}, "Foo", match.Prefix|match.CaseSensitive, everything)
	assert.Empty(t, got)
}

func TestQueryResultsWithoutDeltaCarryNumbers(t *testing.T) {
	d := queryFixture(t)
	session := d.StartQuery()
	defer session.Close()

	results, err := d.AddQueryResults([]string{"ref"}, "Foo", match.Prefix|match.CaseSensitive, nil)
	require.NoError(t, err)
	require.Contains(t, results, "FooBar")
	assert.Equal(t, []int32{1}, results["FooBar"].DocumentNumbers())

	require.NoError(t, d.ResolveResults(results))
	assert.Nil(t, results["FooBar"].DocumentNumbers())
	assert.Equal(t, []string{"B.java"}, results["FooBar"].DocumentNames())
}
