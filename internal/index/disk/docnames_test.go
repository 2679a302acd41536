package disk

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/stream"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
)

func encodeNames(t *testing.T, names []string) (*DiskIndex, []byte) {
	t.Helper()
	d, err := New("unused.index")
	require.NoError(t, err)
	var buf bytes.Buffer
	w := stream.NewWriter(&buf, 0)
	_, err = d.writeAllDocumentNames(w, names)
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	return d, buf.Bytes()
}

func decodeNames(t *testing.T, d *DiskIndex, data []byte) []string {
	t.Helper()
	start := int64(d.chunkOffsets[0])
	r := stream.NewBytesReader(data[start:], start)
	var names []string
	for i := 0; i < d.numberOfChunks; i++ {
		chunk, err := readChunk(r, d.chunkLength(i))
		require.NoError(t, err)
		names = append(names, chunk...)
	}
	return names
}

func TestDocumentNamesRoundTrip(t *testing.T) {
	long := strings.Repeat("p", 300)
	names := []string{
		"",
		"a",
		"abba",
		"abbab",
		"abbba",
		"abéc",
		"abécd",
		"x/y/z/File.java",
		"x/y/z/Other.java",
		"xabc",
		"xyabc",
		long,
		long + "/A.java",
		long + "/B.java",
		long + "q" + strings.Repeat("s", 300),
		long + "r" + strings.Repeat("s", 300),
		"\U0001D11E/music.java",
		"\U0001D11E/notes.java",
	}
	for i := 0; i < 230; i++ {
		names = append(names, fmt.Sprintf("src/org/example/pkg%03d/Type%03d.java", i%7, i))
	}
	sort.Strings(names)

	d, data := encodeNames(t, names)
	assert.Equal(t, 3, d.numberOfChunks)
	assert.Equal(t, len(names)-200, d.sizeOfLastChunk)
	assert.Equal(t, names, decodeNames(t, d, data))
}

func TestDocumentNamesExactChunks(t *testing.T) {
	names := make([]string, 200)
	for i := range names {
		names[i] = fmt.Sprintf("doc%04d", i)
	}
	d, data := encodeNames(t, names)
	assert.Equal(t, 2, d.numberOfChunks)
	assert.Equal(t, ChunkSize, d.sizeOfLastChunk)
	assert.Equal(t, names, decodeNames(t, d, data))
	assert.Equal(t, int32(len(data)+1), d.startOfCategoryTables)
}

func TestSharedAffixes(t *testing.T) {
	tests := []struct {
		prev, next string
		start, end int
	}{
		{"abba", "abbab", 4, 0},
		{"abbba", "abba", 3, 1},
		{"xabc", "xyabc", 1, 3},
		{"ab", "abab", 2, 2},
		{"", "a", 0, 0},
		{"same/A.java", "same/B.java", 5, 5},
		{strings.Repeat("a", 400), strings.Repeat("a", 401), 255, 146},
	}
	for _, tt := range tests {
		start, end := sharedAffixes(stream.ToUnits(tt.prev), stream.ToUnits(tt.next))
		assert.Equal(t, tt.start, start, "prefix of %q -> %q", tt.prev, tt.next)
		assert.Equal(t, tt.end, end, "suffix of %q -> %q", tt.prev, tt.next)
	}
}

func TestReadChunkRejectsImpossibleAffixes(t *testing.T) {
	var buf bytes.Buffer
	w := stream.NewWriter(&buf, 0)
	require.NoError(t, w.WriteString("ab"))
	require.NoError(t, w.WriteByte(5))
	require.NoError(t, w.WriteByte(0))
	require.NoError(t, w.WriteString("c"))
	require.NoError(t, w.Flush())

	_, err := readChunk(stream.NewBytesReader(buf.Bytes(), 0), 2)
	assert.ErrorIs(t, err, apperrors.ErrCorruptIndex)
}

func TestReadDocumentName(t *testing.T) {
	entries := manyDocs(250, "decl", "Foo")
	d := buildIndex(t, entries)

	session := d.StartQuery()
	defer session.Close()
	name, err := d.ReadDocumentName(0)
	require.NoError(t, err)
	assert.Equal(t, "src/pkg/File00000.java", name)
	name, err = d.ReadDocumentName(249)
	require.NoError(t, err)
	assert.Equal(t, "src/pkg/File00249.java", name)
	name, err = d.ReadDocumentName(150)
	require.NoError(t, err)
	assert.Equal(t, "src/pkg/File00150.java", name)

	_, err = d.ReadDocumentName(250)
	assert.ErrorIs(t, err, apperrors.ErrCorruptIndex)
	_, err = d.ReadDocumentName(-1)
	assert.ErrorIs(t, err, apperrors.ErrCorruptIndex)
}

func TestDocumentNamesListing(t *testing.T) {
	d := buildIndex(t, docs{
		"src/A.java":  {"decl": {"A"}},
		"src/B.java":  {"decl": {"B"}},
		"test/C.java": {"decl": {"C"}},
	})

	names, err := d.DocumentNames("", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/A.java", "src/B.java", "test/C.java"}, names)

	names, err = d.DocumentNames("src/", deltaOf(nil, "src/B.java"))
	require.NoError(t, err)
	assert.Equal(t, []string{"src/A.java"}, names)

	empty := newIndex(t)
	names, err = empty.DocumentNames("", nil)
	require.NoError(t, err)
	assert.Empty(t, names)
}
