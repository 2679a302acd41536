// Package memory implements the in-memory delta that sits in front of an
// on-disk index: documents added, changed or deleted since the last merge.
package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/match"
)

// wordSet is the set of words one document contributes to a category.
type wordSet map[string]struct{}

// Index maps a document name to its per-category words. A nil table marks a
// deleted document.
type Index struct {
	mu   sync.RWMutex
	docs map[string]map[string]wordSet
	size int64
}

func New() *Index {
	return &Index{
		docs: make(map[string]map[string]wordSet),
	}
}

// AddEntry records that docName contains word under category. A document that
// was previously removed becomes a changed document again.
func (m *Index) AddEntry(category, word, docName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addEntryLocked(category, word, docName)
}

func (m *Index) addEntryLocked(category, word, docName string) {
	table := m.docs[docName]
	if table == nil {
		table = make(map[string]wordSet)
		m.docs[docName] = table
		m.size += int64(len(docName) + 64)
	}
	words := table[category]
	if words == nil {
		words = make(wordSet)
		table[category] = words
		m.size += int64(len(category) + 32)
	}
	if _, exists := words[word]; !exists {
		words[word] = struct{}{}
		m.size += int64(len(word) + 16)
	}
}

// AddDocument replaces everything known about docName with table, a map of
// category to words.
func (m *Index) AddDocument(docName string, table map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(docName)
	m.docs[docName] = make(map[string]wordSet)
	m.size += int64(len(docName) + 64)
	for category, words := range table {
		for _, word := range words {
			m.addEntryLocked(category, word, docName)
		}
	}
}

// Remove marks docName as deleted.
func (m *Index) Remove(docName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(docName)
	m.docs[docName] = nil
	m.size += int64(len(docName) + 16)
}

func (m *Index) dropLocked(docName string) {
	table, ok := m.docs[docName]
	if !ok {
		return
	}
	for category, words := range table {
		m.size -= int64(len(category) + 32)
		for word := range words {
			m.size -= int64(len(word) + 16)
		}
	}
	if table == nil {
		m.size -= int64(len(docName) + 16)
	} else {
		m.size -= int64(len(docName) + 64)
	}
	delete(m.docs, docName)
}

// HasDocument reports whether docName was added, changed or deleted in the
// delta. Such documents must not be answered from the on-disk index.
func (m *Index) HasDocument(docName string) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.docs[docName]
	return ok
}

func (m *Index) IsDeleted(docName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	table, ok := m.docs[docName]
	return ok && table == nil
}

// Documents returns every document name in the delta, deleted ones included,
// in sorted order.
func (m *Index) Documents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.docs))
	for name := range m.docs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DocumentTable returns a copy of the category to sorted words table of
// docName. ok is false when the document is unknown; a deleted document
// returns a nil table with ok true.
func (m *Index) DocumentTable(docName string) (table map[string][]string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.docs[docName]
	if !ok || src == nil {
		return nil, ok
	}
	table = make(map[string][]string, len(src))
	for category, words := range src {
		list := make([]string, 0, len(words))
		for word := range words {
			list = append(list, word)
		}
		sort.Strings(list)
		table[category] = list
	}
	return table, true
}

// AddQueryResults scans the delta for words of the given categories matching
// matcher, or every word when matcher is nil, and adds their document names
// to results.
func (m *Index) AddQueryResults(results index.Results, categories []string, matcher *match.Matcher) index.Results {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if results == nil {
		results = make(index.Results)
	}
	for docName, table := range m.docs {
		if table == nil {
			continue
		}
		for _, category := range categories {
			for word := range table[category] {
				if matcher != nil && !matcher.Match(word) {
					continue
				}
				entry, ok := results[word]
				if !ok {
					entry = index.NewEntryResult(word)
					results[word] = entry
				}
				entry.AddDocumentName(docName)
			}
		}
	}
	return results
}

// DocumentNames returns the live documents whose name starts with prefix.
func (m *Index) DocumentNames(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0)
	for name, table := range m.docs {
		if table != nil && strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Size is an estimate of the memory held by the delta, in bytes.
func (m *Index) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Count is the number of documents touched by the delta.
func (m *Index) Count() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *Index) HasChanged() bool {
	return m.Count() > 0
}

func (m *Index) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = make(map[string]map[string]wordSet)
	m.size = 0
}
