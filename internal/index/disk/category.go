package disk

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/stream"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
)

type postingsKind uint8

const (
	singleton postingsKind = iota
	inline
	atOffset
)

// Postings is the document number set of one word as stored in a category
// table: a single number, an inlined array, or the offset of an array written
// before the table.
type Postings struct {
	kind    postingsKind
	doc     int32
	numbers []int32
	offset  int32
}

func Singleton(doc int32) Postings {
	return Postings{kind: singleton, doc: doc}
}

func Inline(numbers []int32) Postings {
	return Postings{kind: inline, numbers: numbers}
}

func AtOffset(offset int32) Postings {
	return Postings{kind: atOffset, offset: offset}
}

// IsResolved reports whether the numbers are held in memory.
func (p Postings) IsResolved() bool {
	return p.kind != atOffset
}

// Numbers returns the in-memory document numbers; nil for an unresolved
// offset.
func (p Postings) Numbers() []int32 {
	switch p.kind {
	case singleton:
		return []int32{p.doc}
	case inline:
		return p.numbers
	}
	return nil
}

// postingsFor chooses the stored form of a sorted array. Arrays of 256 or
// more numbers must already have been written at largeOffset.
func postingsFor(numbers []int32, largeOffset int32) Postings {
	switch {
	case len(numbers) == 1:
		return Singleton(numbers[0])
	case len(numbers) < largeArraySize:
		return Inline(numbers)
	default:
		return AtOffset(largeOffset)
	}
}

// encode writes the table value of p. Singletons are stored negated, which
// keeps them at or below zero; inline arrays store their size (2 to 255)
// first; offsets are introduced by 256.
func (p Postings) encode(w *stream.Writer, width int) error {
	switch p.kind {
	case singleton:
		return w.WriteInt(-p.doc)
	case inline:
		return writeDocumentArray(w, p.numbers, width)
	default:
		if err := w.WriteInt(largeArraySize); err != nil {
			return err
		}
		return w.WriteInt(p.offset)
	}
}

func writeDocumentArray(w *stream.Writer, numbers []int32, width int) error {
	if err := w.WriteInt(int32(len(numbers))); err != nil {
		return err
	}
	return w.WriteDocNumbers(numbers, width)
}

// categoryTable maps a word to its postings.
type categoryTable map[string]Postings

func (t categoryTable) resolved() bool {
	for _, p := range t {
		if !p.IsResolved() {
			return false
		}
	}
	return true
}

// readCategoryTable returns the table of category, or nil if the file has no
// such category. With readDocNumbers set every large array is loaded too.
// Tables are cached; concurrent loads of the same table share one read.
func (d *DiskIndex) readCategoryTable(category string, readDocNumbers bool) (categoryTable, error) {
	if _, ok := d.categoryOffsets[category]; !ok {
		return nil, nil
	}
	d.mu.Lock()
	table, cached := d.categoryTables[category]
	d.mu.Unlock()
	if cached && table != nil {
		if !readDocNumbers || table.resolved() {
			return table, nil
		}
	}

	key := category + "\x00" + strconv.FormatBool(readDocNumbers)
	v, err, _ := d.loads.Do(key, func() (any, error) {
		if cached && table != nil {
			return d.resolveTable(category, table)
		}
		return d.loadCategoryTable(category, readDocNumbers)
	})
	if err != nil {
		return nil, err
	}
	return v.(categoryTable), nil
}

// resolveTable replaces every offset in a cached table with its array. The
// cached map is never mutated in place; a resolved copy replaces it.
func (d *DiskIndex) resolveTable(category string, table categoryTable) (categoryTable, error) {
	f, size, err := d.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	resolved := make(categoryTable, len(table))
	for word, p := range table {
		if !p.IsResolved() {
			numbers, err := d.readArrayAt(f, size, int64(p.offset))
			if err != nil {
				return nil, fmt.Errorf("reading postings of %q in %q: %w", word, category, err)
			}
			p = Inline(numbers)
		}
		resolved[word] = p
	}
	d.cacheTable(category, resolved)
	return resolved, nil
}

func (d *DiskIndex) loadCategoryTable(category string, readDocNumbers bool) (categoryTable, error) {
	offset := d.categoryOffsets[category]
	end := d.categoryEnds[category]

	f, fileSize, err := d.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := readerAt(f, int64(offset), fileSize)
	size, err := r.ReadInt()
	if err != nil {
		return nil, fmt.Errorf("reading size of category %q: %w", category, err)
	}
	// every entry takes at least a 2 byte word length and a 4 byte value
	if size < 0 || int64(size)*6 > int64(end)-int64(offset) {
		d.logger.Error("category table size does not fit the file",
			"file", d.path,
			"category", category,
			"offset", offset,
			"size", size,
		)
		return nil, apperrors.Corruptf("category %q at offset %d declares %d entries", category, offset, size)
	}

	table := make(categoryTable, size)
	var largeWords []string
	for i := 0; i < int(size); i++ {
		word, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("reading word %d of category %q: %w", i, category, err)
		}
		value, err := r.ReadInt()
		if err != nil {
			return nil, fmt.Errorf("reading postings of %q in %q: %w", word, category, err)
		}
		switch {
		case value <= 0:
			table[word] = Singleton(-value)
		case value < largeArraySize:
			numbers, err := r.ReadDocNumbers(int(value), d.documentReferenceSize)
			if err != nil {
				return nil, fmt.Errorf("reading postings of %q in %q: %w", word, category, err)
			}
			table[word] = Inline(numbers)
		default:
			arrayOffset, err := r.ReadInt()
			if err != nil {
				return nil, fmt.Errorf("reading postings offset of %q in %q: %w", word, category, err)
			}
			table[word] = AtOffset(arrayOffset)
			if readDocNumbers {
				largeWords = append(largeWords, word)
			}
		}
	}

	// Large arrays were written back to back in table order, so one reader
	// usually covers them all.
	var ar *stream.Reader
	for _, word := range largeWords {
		at := int64(table[word].offset)
		if ar == nil || ar.Offset() != at {
			if at < 0 || at >= fileSize {
				return nil, apperrors.Corruptf("postings of %q in %q at offset %d beyond end of file", word, category, at)
			}
			ar = readerAt(f, at, fileSize)
		}
		numbers, err := readArray(ar, fileSize-at, d.documentReferenceSize)
		if err != nil {
			return nil, fmt.Errorf("reading postings of %q in %q: %w", word, category, err)
		}
		table[word] = Inline(numbers)
	}

	d.cacheTable(category, table)
	return table, nil
}

func (d *DiskIndex) cacheTable(category string, table categoryTable) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.categoryTables == nil {
		d.categoryTables = make(map[string]categoryTable)
	}
	d.categoryTables[category] = table
	// some tables hold tens of thousands of words; those are never kept
	// across sessions
	if len(table) < cachedTableLimit {
		d.cachedCategoryName = category
	} else {
		d.cachedCategoryName = ""
	}
}

// forgetTable drops category from the cache.
func (d *DiskIndex) forgetTable(category string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.categoryTables, category)
	if d.cachedCategoryName == category {
		d.cachedCategoryName = ""
	}
}

// readArray decodes a size-prefixed array, refusing sizes that cannot fit in
// the remaining bytes.
func readArray(r *stream.Reader, remaining int64, width int) ([]int32, error) {
	count, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	if count < 0 || int64(count)*int64(width) > remaining {
		return nil, apperrors.Corruptf("document array of %d entries at offset %d", count, r.Offset()-4)
	}
	return r.ReadDocNumbers(int(count), width)
}

func (d *DiskIndex) readArrayAt(f io.ReaderAt, fileSize, offset int64) ([]int32, error) {
	if offset < 0 || offset >= fileSize {
		return nil, apperrors.Corruptf("document array offset %d beyond end of %s", offset, d.path)
	}
	return readArray(readerAt(f, offset, fileSize), fileSize-offset, d.documentReferenceSize)
}

// readDocumentNumbers returns the numbers behind p, reading the array from
// the file when p is an unresolved offset.
func (d *DiskIndex) readDocumentNumbers(p Postings) ([]int32, error) {
	if p.IsResolved() {
		return p.Numbers(), nil
	}
	f, size, err := d.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return d.readArrayAt(f, size, int64(p.offset))
}

// writeCategoryTable writes the arrays of 256 or more numbers, then the table
// referencing them, and records the table offset.
func (d *DiskIndex) writeCategoryTable(w *stream.Writer, category string, words map[string]*roaring.Bitmap) error {
	sorted := make([]string, 0, len(words))
	for word := range words {
		sorted = append(sorted, word)
	}
	sort.Strings(sorted)

	postings := make([]Postings, len(sorted))
	for i, word := range sorted {
		numbers := toNumbers(words[word])
		var at int32
		if len(numbers) >= largeArraySize {
			var err error
			if at, err = offset32(w); err != nil {
				return err
			}
			if err := writeDocumentArray(w, numbers, d.documentReferenceSize); err != nil {
				return fmt.Errorf("writing postings of %q in %q: %w", stream.Clip(word), category, err)
			}
		}
		postings[i] = postingsFor(numbers, at)
	}

	offset, err := offset32(w)
	if err != nil {
		return err
	}
	if d.categoryOffsets == nil {
		d.categoryOffsets = make(map[string]int32)
	}
	d.categoryOffsets[category] = offset
	if err := w.WriteInt(int32(len(sorted))); err != nil {
		return err
	}
	for i, word := range sorted {
		if err := w.WriteString(word); err != nil {
			return fmt.Errorf("writing word %q in %q: %w", stream.Clip(word), stream.Clip(category), err)
		}
		if err := postings[i].encode(w, d.documentReferenceSize); err != nil {
			return fmt.Errorf("writing postings of %q in %q: %w", stream.Clip(word), category, err)
		}
	}
	return nil
}

func toNumbers(bm *roaring.Bitmap) []int32 {
	raw := bm.ToArray()
	numbers := make([]int32, len(raw))
	for i, n := range raw {
		numbers[i] = int32(n)
	}
	return numbers
}
