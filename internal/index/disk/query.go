package disk

import (
	"strings"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/match"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/memory"
)

// AddQueryResults looks up key in each of the categories. An empty key
// returns every word of the categories. Documents the delta knows about are
// left out; the delta answers for those itself.
//
// Without a delta, results carry raw document numbers that only this file
// generation can resolve (see ResolveResults). The caller should hold a
// Session for the duration of the query and the resolution.
func (d *DiskIndex) AddQueryResults(categories []string, key string, rule match.Rule, delta *memory.Index) (index.Results, error) {
	if d.categoryOffsets == nil {
		return nil, nil
	}
	if !delta.HasChanged() {
		delta = nil
	}
	session := d.StartQuery()
	defer session.Close()

	var results index.Results
	// no duplicate checks until some category produced results
	prevResults := false
	if key == "" {
		for _, category := range categories {
			table, err := d.readCategoryTable(category, true)
			if err != nil {
				return nil, err
			}
			if table != nil {
				if results == nil {
					results = make(index.Results, len(table))
				}
				for word, postings := range table {
					if err := d.addQueryResult(results, word, postings, delta, prevResults); err != nil {
						return nil, err
					}
				}
			}
			prevResults = results != nil
		}
		if results != nil && !d.hasCachedChunks() {
			if err := d.cacheDocumentNames(); err != nil {
				return nil, err
			}
		}
		return results, nil
	}

	switch rule {
	case match.Exact | match.CaseSensitive:
		for _, category := range categories {
			table, err := d.readCategoryTable(category, false)
			if err != nil {
				return nil, err
			}
			if postings, ok := table[key]; ok {
				if results == nil {
					results = make(index.Results)
				}
				if err := d.addQueryResult(results, key, postings, delta, prevResults); err != nil {
					return nil, err
				}
			}
			prevResults = len(results) > 0
		}
	case match.Prefix | match.CaseSensitive:
		for _, category := range categories {
			table, err := d.readCategoryTable(category, false)
			if err != nil {
				return nil, err
			}
			for word, postings := range table {
				if word == "" || word[0] != key[0] || !strings.HasPrefix(word, key) {
					continue
				}
				if results == nil {
					results = make(index.Results)
				}
				if err := d.addQueryResult(results, word, postings, delta, prevResults); err != nil {
					return nil, err
				}
			}
			prevResults = len(results) > 0
		}
	default:
		matcher, err := match.Compile(key, rule)
		if err != nil {
			return nil, err
		}
		for _, category := range categories {
			table, err := d.readCategoryTable(category, false)
			if err != nil {
				return nil, err
			}
			for word, postings := range table {
				if !matcher.Match(word) {
					continue
				}
				if results == nil {
					results = make(index.Results)
				}
				if err := d.addQueryResult(results, word, postings, delta, prevResults); err != nil {
					return nil, err
				}
			}
			prevResults = len(results) > 0
		}
	}
	return results, nil
}

func (d *DiskIndex) addQueryResult(results index.Results, word string, postings Postings, delta *memory.Index, prevResults bool) error {
	var result *index.EntryResult
	if prevResults {
		result = results[word]
	}
	numbers, err := d.readDocumentNumbers(postings)
	if err != nil {
		return err
	}
	if delta == nil {
		if result == nil {
			result = index.NewEntryResult(word)
			results[word] = result
		}
		result.AddDocumentTable(numbers)
		return nil
	}

	if result == nil {
		result = index.NewEntryResult(word)
	}
	for _, n := range numbers {
		name, err := d.ReadDocumentName(int(n))
		if err != nil {
			return err
		}
		if !delta.HasDocument(name) {
			result.AddDocumentName(name)
		}
	}
	if !result.IsEmpty() {
		results[word] = result
	}
	return nil
}

// ResolveResults turns the raw document numbers of results into names.
func (d *DiskIndex) ResolveResults(results index.Results) error {
	session := d.StartQuery()
	defer session.Close()
	for _, result := range results {
		if err := result.Resolve(d.ReadDocumentName); err != nil {
			return err
		}
	}
	return nil
}
