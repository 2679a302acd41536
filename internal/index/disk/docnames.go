package disk

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/memory"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/stream"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
)

const maxAffix = 255

// sharedAffixes returns how many leading and trailing code units next shares
// with prev, each capped at 255. The suffix never reaches into the part of
// next already covered by the prefix.
func sharedAffixes(prev, next []uint16) (start, end int) {
	limit := min(len(prev), len(next))
	for start < limit && prev[start] == next[start] {
		start++
	}
	if start > maxAffix {
		start = maxAffix
	}
	l1, l2 := len(prev), len(next)
	for l1 > 0 && l2 > start && prev[l1-1] == next[l2-1] {
		end++
		l1--
		l2--
	}
	if end > maxAffix {
		end = maxAffix
	}
	return start, end
}

// writeAllDocumentNames writes the signature, a header offset placeholder and
// the sorted names in chunks. It returns the file offset of the placeholder.
func (d *DiskIndex) writeAllDocumentNames(w *stream.Writer, sortedNames []string) (int64, error) {
	if len(sortedNames) == 0 {
		return 0, fmt.Errorf("%w: no document names to write", apperrors.ErrInvalidInput)
	}
	if err := w.WriteString(Signature); err != nil {
		return 0, err
	}
	placeholder := w.Offset()
	if err := w.WriteInt(-1); err != nil {
		return 0, err
	}

	size := len(sortedNames)
	d.numberOfChunks = size/ChunkSize + 1
	d.sizeOfLastChunk = size % ChunkSize
	if d.sizeOfLastChunk == 0 {
		d.numberOfChunks--
		d.sizeOfLastChunk = ChunkSize
	}
	d.documentReferenceSize = referenceSize(size)

	d.chunkOffsets = make([]int32, d.numberOfChunks)
	last := d.numberOfChunks - 1
	for i := 0; i < d.numberOfChunks; i++ {
		offset, err := offset32(w)
		if err != nil {
			return 0, err
		}
		d.chunkOffsets[i] = offset

		chunkSize := ChunkSize
		if i == last {
			chunkSize = d.sizeOfLastChunk
		}
		first := i * ChunkSize
		current, err := stream.Units(sortedNames[first])
		if err != nil {
			return 0, err
		}
		if err := w.WriteChars(current); err != nil {
			return 0, fmt.Errorf("writing document name %q: %w", stream.Clip(sortedNames[first]), err)
		}
		for j := 1; j < chunkSize; j++ {
			next, err := stream.Units(sortedNames[first+j])
			if err != nil {
				return 0, err
			}
			start, end := sharedAffixes(current, next)
			if err := w.WriteByte(byte(start)); err != nil {
				return 0, err
			}
			if err := w.WriteByte(byte(end)); err != nil {
				return 0, err
			}
			var middle []uint16
			if stop := len(next) - end; start < stop {
				middle = next[start:stop]
			}
			if err := w.WriteChars(middle); err != nil {
				return 0, fmt.Errorf("writing document name %q: %w", stream.Clip(sortedNames[first+j]), err)
			}
			current = next
		}
	}
	end, err := offset32(w)
	if err != nil {
		return 0, err
	}
	d.startOfCategoryTables = end + 1
	return placeholder, nil
}

// referenceSize picks the narrowest width that can hold every document number.
func referenceSize(documents int) int {
	switch {
	case documents <= 0x7F:
		return 1
	case documents <= 0x7FFF:
		return 2
	default:
		return 4
	}
}

// readChunk decodes size names written by writeAllDocumentNames.
func readChunk(r *stream.Reader, size int) ([]string, error) {
	names := make([]string, size)
	current, err := r.ReadChars()
	if err != nil {
		return nil, err
	}
	names[0] = stream.FromUnits(current)
	for i := 1; i < size; i++ {
		start, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		end, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		middle, err := r.ReadChars()
		if err != nil {
			return nil, err
		}
		if int(start) > len(current) || int(end) > len(current) {
			return nil, apperrors.Corruptf("name shares %d/%d units with a %d unit predecessor", start, end, len(current))
		}
		next := make([]uint16, 0, int(start)+len(middle)+int(end))
		next = append(next, current[:start]...)
		next = append(next, middle...)
		next = append(next, current[len(current)-int(end):]...)
		names[i] = stream.FromUnits(next)
		current = next
	}
	return names, nil
}

func (d *DiskIndex) chunkLength(chunk int) int {
	if chunk == d.numberOfChunks-1 {
		return d.sizeOfLastChunk
	}
	return ChunkSize
}

// readAllDocumentNames decodes the whole name table in one pass.
func (d *DiskIndex) readAllDocumentNames() ([]string, error) {
	if d.numberOfChunks <= 0 {
		return nil, nil
	}
	chunks, err := d.readAllChunks()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, d.DocumentCount())
	for _, chunk := range chunks {
		names = append(names, chunk...)
	}
	return names, nil
}

func (d *DiskIndex) readAllChunks() ([][]string, error) {
	f, size, err := d.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bufSize := stream.BufferSize
	if d.numberOfChunks > 5 {
		bufSize <<= 1
	}
	start := int64(d.chunkOffsets[0])
	r := stream.NewReader(io.NewSectionReader(f, start, size-start), start, bufSize)
	chunks := make([][]string, d.numberOfChunks)
	for i := range chunks {
		if chunks[i], err = readChunk(r, d.chunkLength(i)); err != nil {
			return nil, fmt.Errorf("reading document chunk %d of %s: %w", i, d.path, err)
		}
	}
	return chunks, nil
}

// cacheDocumentNames loads every chunk so that the names behind a large
// result can be resolved without further reads.
func (d *DiskIndex) cacheDocumentNames() error {
	if d.numberOfChunks <= 0 {
		return nil
	}
	chunks, err := d.readAllChunks()
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.cacheUserCount > 0 {
		d.cachedChunks = chunks
	}
	d.mu.Unlock()
	return nil
}

func (d *DiskIndex) hasCachedChunks() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cachedChunks != nil
}

// ReadDocumentName returns the name of docNumber in this file generation.
// Only the chunk holding it is read; it stays cached while a session is open
// and is not kept at all otherwise.
func (d *DiskIndex) ReadDocumentName(docNumber int) (string, error) {
	if docNumber < 0 || docNumber >= d.DocumentCount() {
		return "", apperrors.Corruptf("document number %d out of range [0, %d) in %s", docNumber, d.DocumentCount(), d.path)
	}
	chunkNumber := docNumber / ChunkSize
	var chunk []string
	d.mu.Lock()
	if d.cacheUserCount > 0 {
		if d.cachedChunks == nil {
			d.cachedChunks = make([][]string, d.numberOfChunks)
		}
		chunk = d.cachedChunks[chunkNumber]
	}
	d.mu.Unlock()

	if chunk == nil {
		var err error
		if chunk, err = d.readChunkAt(chunkNumber); err != nil {
			return "", err
		}
		d.mu.Lock()
		if d.cacheUserCount > 0 && d.cachedChunks != nil {
			d.cachedChunks[chunkNumber] = chunk
		}
		d.mu.Unlock()
	}
	return chunk[docNumber-chunkNumber*ChunkSize], nil
}

func (d *DiskIndex) readChunkAt(chunkNumber int) ([]string, error) {
	start := int64(d.chunkOffsets[chunkNumber])
	end := int64(d.startOfCategoryTables)
	if chunkNumber+1 < d.numberOfChunks {
		end = int64(d.chunkOffsets[chunkNumber+1])
	}
	if end < start {
		return nil, apperrors.Corruptf("chunk %d of %s spans [%d, %d)", chunkNumber, d.path, start, end)
	}

	f, size, err := d.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	end = min(end, size)
	if end < start {
		return nil, apperrors.Corruptf("chunk %d of %s starts beyond end of file", chunkNumber, d.path)
	}
	buf := make([]byte, end-start)
	if n, err := f.ReadAt(buf, start); n < len(buf) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, apperrors.IO(fmt.Sprintf("reading chunk %d of %s", chunkNumber, d.path), err)
	}
	chunk, err := readChunk(stream.NewBytesReader(buf, start), d.chunkLength(chunkNumber))
	if err != nil {
		return nil, fmt.Errorf("decoding chunk %d of %s: %w", chunkNumber, d.path, err)
	}
	return chunk, nil
}

// DocumentNames lists the documents whose name starts with prefix, skipping
// any the delta has added, changed or deleted.
func (d *DiskIndex) DocumentNames(prefix string, delta *memory.Index) ([]string, error) {
	names, err := d.readAllDocumentNames()
	if err != nil {
		return nil, err
	}
	results := make([]string, 0, len(names))
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) || delta.HasDocument(name) {
			continue
		}
		results = append(results, name)
	}
	sort.Strings(results)
	return results, nil
}
