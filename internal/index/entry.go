// Package index holds the types shared by the on-disk index and the in-memory
// delta: query results keyed by word.
package index

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// EntryResult collects the documents containing one word. On-disk results add
// raw document numbers, which are only meaningful for the file generation that
// produced them; names are added directly by the delta or once numbers have
// been resolved.
type EntryResult struct {
	Word     string
	docTable *roaring.Bitmap
	docNames map[string]struct{}
}

func NewEntryResult(word string) *EntryResult {
	return &EntryResult{Word: word}
}

// AddDocumentTable adds raw document numbers.
func (r *EntryResult) AddDocumentTable(numbers []int32) {
	if len(numbers) == 0 {
		return
	}
	if r.docTable == nil {
		r.docTable = roaring.New()
	}
	for _, n := range numbers {
		r.docTable.Add(uint32(n))
	}
}

func (r *EntryResult) AddDocumentName(name string) {
	if r.docNames == nil {
		r.docNames = make(map[string]struct{})
	}
	r.docNames[name] = struct{}{}
}

func (r *EntryResult) IsEmpty() bool {
	return (r.docTable == nil || r.docTable.IsEmpty()) && len(r.docNames) == 0
}

// DocumentNumbers returns the unresolved document numbers in ascending order.
func (r *EntryResult) DocumentNumbers() []int32 {
	if r.docTable == nil {
		return nil
	}
	raw := r.docTable.ToArray()
	numbers := make([]int32, len(raw))
	for i, n := range raw {
		numbers[i] = int32(n)
	}
	return numbers
}

// Resolve converts every raw document number into a name using resolve and
// clears the number table.
func (r *EntryResult) Resolve(resolve func(docNumber int) (string, error)) error {
	if r.docTable == nil {
		return nil
	}
	it := r.docTable.Iterator()
	for it.HasNext() {
		n := int(it.Next())
		name, err := resolve(n)
		if err != nil {
			return fmt.Errorf("resolving document %d for %q: %w", n, r.Word, err)
		}
		r.AddDocumentName(name)
	}
	r.docTable = nil
	return nil
}

// DocumentNames returns the resolved names in sorted order.
func (r *EntryResult) DocumentNames() []string {
	names := make([]string, 0, len(r.docNames))
	for name := range r.docNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge adds everything in other to r.
func (r *EntryResult) Merge(other *EntryResult) {
	if other.docTable != nil {
		if r.docTable == nil {
			r.docTable = roaring.New()
		}
		r.docTable.Or(other.docTable)
	}
	for name := range other.docNames {
		r.AddDocumentName(name)
	}
}

// Results maps a word to its entry.
type Results map[string]*EntryResult

// Words returns the result words in sorted order.
func (rs Results) Words() []string {
	words := make([]string, 0, len(rs))
	for w := range rs {
		words = append(words, w)
	}
	sort.Strings(words)
	return words
}
