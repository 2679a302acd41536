package disk

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/fs"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/memory"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/stream"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/resilience"
)

// Old document numbers that have no place in the merged file.
const (
	reIndexed int32 = -1
	deleted   int32 = -2
)

var renameRetry = resilience.RetryConfig{
	MaxAttempts:  2,
	InitialDelay: 2 * time.Millisecond,
	MaxDelay:     2 * time.Millisecond,
	Retryable: func(err error) bool {
		var linkErr *os.LinkError
		return errors.As(err, &linkErr)
	},
}

// mergePlan is the outcome of combining the on-disk names with the delta.
type mergePlan struct {
	names []string
	// positions maps every old document number to its new number, or to
	// reIndexed or deleted.
	positions []int32
	// indexed holds the new number and table of every added or changed
	// document.
	indexed map[string]int32
	tables  map[string]map[string][]string
}

// computeDocumentNames drops deleted documents from onDisk, adds the new
// ones and renumbers everything in sorted order.
func computeDocumentNames(onDisk []string, delta *memory.Index) mergePlan {
	plan := mergePlan{
		positions: make([]int32, len(onDisk)),
		indexed:   make(map[string]int32),
		tables:    make(map[string]map[string][]string),
	}
	onDiskNumbers := make(map[string]int, len(onDisk))
	for i, name := range onDisk {
		onDiskNumbers[name] = i
		plan.positions[i] = int32(i)
	}

	var added []string
	for _, name := range delta.Documents() {
		table, _ := delta.DocumentTable(name)
		i, onFile := onDiskNumbers[name]
		switch {
		case table == nil && onFile:
			plan.positions[i] = deleted
		case table == nil:
			// deleted before it was ever saved
		case onFile:
			plan.positions[i] = reIndexed
			plan.tables[name] = table
		default:
			added = append(added, name)
			plan.tables[name] = table
		}
	}

	names := make([]string, 0, len(onDisk)+len(added))
	for i, name := range onDisk {
		if plan.positions[i] >= reIndexed {
			names = append(names, name)
		}
	}
	names = append(names, added...)
	// UTF-8 byte order. It matches UTF-16 code unit order except when names
	// mix U+E000..U+FFFF with supplementary characters. Readers never depend on
	// either order beyond it being the order the file was written in.
	sort.Strings(names)
	plan.names = names

	newNumbers := make(map[string]int32, len(names))
	for i, name := range names {
		newNumbers[name] = int32(i)
	}
	for name := range plan.tables {
		plan.indexed[name] = newNumbers[name]
	}
	for i, name := range onDisk {
		if plan.positions[i] >= 0 {
			plan.positions[i] = newNumbers[name]
		}
	}
	return plan
}

// copyQueryResults adds the words of one new or changed document to the
// in-memory tables of the merged file.
func copyQueryResults(tables map[string]map[string]*roaring.Bitmap, docTable map[string][]string, docNumber int32) {
	for category, words := range docTable {
		wordsToDocs := tables[category]
		if wordsToDocs == nil {
			wordsToDocs = make(map[string]*roaring.Bitmap, len(words))
			tables[category] = wordsToDocs
		}
		for _, word := range words {
			bm := wordsToDocs[word]
			if bm == nil {
				bm = roaring.New()
				wordsToDocs[word] = bm
			}
			bm.Add(uint32(docNumber))
		}
	}
}

// mergeCategory folds the on-disk postings of category into wordsToDocs,
// renumbering through positions. Words left with no documents are dropped.
func (d *DiskIndex) mergeCategory(category string, wordsToDocs map[string]*roaring.Bitmap, positions []int32) error {
	old, err := d.readCategoryTable(category, true)
	if err != nil {
		return fmt.Errorf("reading category %q: %w", category, err)
	}
	for word, postings := range old {
		numbers := postings.Numbers()
		var mapped *roaring.Bitmap
		for _, n := range numbers {
			if n < 0 || int(n) >= len(positions) {
				return apperrors.Corruptf("word %q in %q references document %d of %d", word, category, n, len(positions))
			}
			if pos := positions[n]; pos > reIndexed {
				if mapped == nil {
					mapped = roaring.New()
				}
				mapped.Add(uint32(pos))
			}
		}
		if mapped == nil {
			continue
		}
		if bm, ok := wordsToDocs[word]; ok {
			bm.Or(mapped)
		} else {
			wordsToDocs[word] = mapped
		}
	}
	d.forgetTable(category)
	return nil
}

// MergeWith writes a new file combining this index with delta and returns
// the handle on it. The original file is only replaced once the new one is
// complete; on error it is left untouched.
//
// The new file is written next to the original with a .tmp suffix and then
// renamed over it. If the rename fails twice the returned index keeps the
// temporary path, and the next merge writes back to the original name.
func (d *DiskIndex) MergeWith(delta *memory.Index) (*DiskIndex, error) {
	onDisk, err := d.readAllDocumentNames()
	if err != nil {
		return nil, fmt.Errorf("reading document names of %s: %w", d.path, err)
	}
	plan := computeDocumentNames(onDisk, delta)
	if len(plan.names) == 0 {
		if len(onDisk) == 0 {
			return d, nil
		}
		// every saved document was deleted
		empty := d.sibling(d.path)
		if err := empty.Initialize(false); err != nil {
			return nil, err
		}
		d.logger.Info("index emptied by merge", "path", d.path, "deleted", len(onDisk))
		return empty, nil
	}

	usingTmp := false
	newPath := d.path + tmpExt
	if strings.HasSuffix(d.path, tmpExt) {
		newPath = strings.TrimSuffix(d.path, tmpExt)
		usingTmp = true
	}

	merged := d.sibling(newPath)
	if err := merged.writeMerged(d, plan); err != nil {
		if rmErr := d.fsys.Remove(newPath); rmErr != nil && !os.IsNotExist(rmErr) {
			d.logger.Warn("failed to delete temporary index", "path", newPath, "error", rmErr)
		}
		return nil, fmt.Errorf("merging %s: %w", d.path, err)
	}

	if fs.Exists(d.fsys, d.path) {
		if err := d.fsys.Remove(d.path); err != nil {
			if rmErr := d.fsys.Remove(newPath); rmErr != nil {
				d.logger.Warn("failed to delete temporary index", "path", newPath, "error", rmErr)
			}
			return nil, apperrors.IO(fmt.Sprintf("deleting index %s", d.path), err)
		}
	}
	if !usingTmp {
		err := resilience.Retry(context.Background(), "rename-index", renameRetry, func() error {
			return d.fsys.Rename(newPath, d.path)
		})
		if err != nil {
			d.logger.Warn("failed to rename merged index, keeping temporary name",
				"path", d.path,
				"tmp_path", newPath,
				"error", err,
			)
			usingTmp = true
		}
	}
	if !usingTmp {
		merged.path = d.path
	}
	d.logger.Info("merged index",
		"path", merged.path,
		"documents", len(plan.names),
		"changed", len(plan.indexed),
		"categories", len(merged.categoryOffsets),
	)
	return merged, nil
}

// writeMerged streams the merged file to d.path. onDisk is the index being
// replaced.
func (d *DiskIndex) writeMerged(onDisk *DiskIndex, plan mergePlan) (err error) {
	f, err := d.fsys.OpenFile(d.path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return apperrors.IO(fmt.Sprintf("creating temporary index %s", d.path), err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = apperrors.IO(fmt.Sprintf("closing %s", d.path), cerr)
		}
	}()

	w := stream.NewWriter(f, 0)
	placeholder, err := d.writeAllDocumentNames(w, plan.names)
	if err != nil {
		return err
	}

	tables := make(map[string]map[string]*roaring.Bitmap)
	for name, docNumber := range plan.indexed {
		copyQueryResults(tables, plan.tables[name], docNumber)
	}
	for category := range onDisk.categoryOffsets {
		if _, ok := tables[category]; !ok {
			tables[category] = make(map[string]*roaring.Bitmap)
		}
	}
	categories := make([]string, 0, len(tables))
	for category := range tables {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	d.categoryOffsets = make(map[string]int32, len(categories))
	for _, category := range categories {
		wordsToDocs := tables[category]
		if len(plan.positions) > 0 {
			if err := onDisk.mergeCategory(category, wordsToDocs, plan.positions); err != nil {
				return err
			}
		}
		if len(wordsToDocs) == 0 {
			continue
		}
		if err := d.writeCategoryTable(w, category, wordsToDocs); err != nil {
			return err
		}
		delete(tables, category)
	}

	headerOffset, err := offset32(w)
	if err != nil {
		return err
	}
	d.headerInfoOffset = headerOffset
	if err := d.writeHeaderInfo(w); err != nil {
		return err
	}
	var patch [4]byte
	binary.BigEndian.PutUint32(patch[:], uint32(headerOffset))
	if _, err := f.WriteAt(patch[:], placeholder); err != nil {
		return apperrors.IO(fmt.Sprintf("writing header offset of %s", d.path), err)
	}
	if err := f.Sync(); err != nil {
		return apperrors.IO(fmt.Sprintf("syncing %s", d.path), err)
	}
	d.categoryEnds = categoryEnds(d.categoryOffsets, headerOffset)
	d.categoryTables = make(map[string]categoryTable)
	return nil
}
