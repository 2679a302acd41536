package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.Run(append([]string{"indexctl"}, args...))
	return out.String(), err
}

func TestPutQueryRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jdk.index")

	_, err := run(t, "put", "-i", path, "-n", "java/util/List.java", "-e", "decl=List", "-e", "ref=Collection")
	require.NoError(t, err)
	_, err = run(t, "put", "-i", path, "-n", "java/util/ArrayList.java", "-e", "decl=ArrayList", "-e", "ref=List")
	require.NoError(t, err)

	out, err := run(t, "query", "-i", path, "-c", "ref", "-k", "list")
	require.NoError(t, err)
	var results map[string][]string
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	assert.Equal(t, map[string][]string{"List": {"java/util/ArrayList.java"}}, results)

	out, err = run(t, "docs", "-i", path, "--prefix", "java/util/A")
	require.NoError(t, err)
	assert.Equal(t, "java/util/ArrayList.java", strings.TrimSpace(out))

	_, err = run(t, "remove", "-i", path, "-n", "java/util/ArrayList.java")
	require.NoError(t, err)

	out, err = run(t, "info", "-i", path)
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, float64(1), stats["documents"])
	assert.Equal(t, "jdk", stats["scope"])
}

func TestQueryRejectsUnknownMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jdk.index")
	_, err := run(t, "query", "-i", path, "-c", "decl", "-m", "fuzzy")
	assert.Error(t, err)
}

func TestPutRejectsMalformedEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jdk.index")
	_, err := run(t, "put", "-i", path, "-n", "A.java", "-e", "decl")
	assert.Error(t, err)
}

func TestInfoRefusesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jdk.index")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, err := run(t, "info", "-i", path)
	assert.Error(t, err)
}

func TestDrop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jdk.index")
	_, err := run(t, "put", "-i", path, "-n", "A.java", "-e", "decl=A")
	require.NoError(t, err)
	_, err = run(t, "drop", "-i", path)
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestParseEntries(t *testing.T) {
	table, err := parseEntries([]string{"decl=A", "ref=B", "ref=C"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"decl": {"A"}, "ref": {"B", "C"}}, table)
}
