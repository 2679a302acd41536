// Package disk implements the on-disk inverted index: a single file holding a
// chunked, delta-compressed table of document names and, per category, a
// table mapping each word to the numbers of the documents that contain it.
//
// A file is only ever written whole, by MergeWith, into a temporary file that
// then replaces the original. Its header offset is patched last, so a reader
// sees either the old file or the complete new one.
package disk

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/fs"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/stream"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
)

const (
	// Signature identifies the file format version.
	Signature = "INDEX VERSION 1.127"
	// ChunkSize is the number of document names sharing one compression scope.
	ChunkSize = 100

	largeArraySize   = 256
	cachedTableLimit = 20000
	tmpExt           = ".tmp"
	defaultSeparator = '/'
	headerReadSize   = 128
)

// DiskIndex is a handle on one generation of an index file. Its header fields
// are fixed once Initialize or MergeWith returns; the decode caches are safe
// for concurrent queries. MergeWith must not overlap with anything else.
type DiskIndex struct {
	path   string
	fsys   fs.FileSystem
	logger *slog.Logger

	headerInfoOffset      int32
	numberOfChunks        int
	sizeOfLastChunk       int
	chunkOffsets          []int32
	documentReferenceSize int
	separator             byte
	startOfCategoryTables int32
	categoryOffsets       map[string]int32
	categoryEnds          map[string]int32

	mu                 sync.Mutex
	cacheUserCount     int
	cachedChunks       [][]string
	categoryTables     map[string]categoryTable
	cachedCategoryName string
	loads              singleflight.Group
}

type Option func(*DiskIndex)

func WithFileSystem(fsys fs.FileSystem) Option {
	return func(d *DiskIndex) {
		d.fsys = fsys
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *DiskIndex) {
		d.logger = logger
	}
}

// New returns an uninitialized handle for the index file at path.
func New(path string, opts ...Option) (*DiskIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: index path is required", apperrors.ErrInvalidInput)
	}
	d := &DiskIndex{
		path:             path,
		fsys:             fs.Default,
		headerInfoOffset: -1,
		separator:        defaultSeparator,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default().With("component", "disk-index")
	}
	return d, nil
}

// sibling returns an uninitialized handle at path sharing d's file system and
// logger.
func (d *DiskIndex) sibling(path string) *DiskIndex {
	return &DiskIndex{
		path:             path,
		fsys:             d.fsys,
		logger:           d.logger,
		headerInfoOffset: -1,
		separator:        d.separator,
	}
}

// Path is the file currently backing the index. It can change after a merge
// whose final rename failed.
func (d *DiskIndex) Path() string {
	return d.path
}

// IsEmpty reports whether the file holds no committed documents.
func (d *DiskIndex) IsEmpty() bool {
	return d.categoryOffsets == nil
}

// DocumentCount is the number of documents in the name table.
func (d *DiskIndex) DocumentCount() int {
	if d.numberOfChunks <= 0 {
		return 0
	}
	return (d.numberOfChunks-1)*ChunkSize + d.sizeOfLastChunk
}

// DocumentReferenceSize is the width in bytes of each stored document number.
func (d *DiskIndex) DocumentReferenceSize() int {
	return d.documentReferenceSize
}

// Categories returns the category names present in the file, sorted.
func (d *DiskIndex) Categories() []string {
	names := make([]string, 0, len(d.categoryOffsets))
	for name := range d.categoryOffsets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Initialize opens an existing file when reuseExisting is set, validating its
// signature and header. Otherwise any existing file is deleted and replaced by
// an empty one.
func (d *DiskIndex) Initialize(reuseExisting bool) error {
	if fs.Exists(d.fsys, d.path) {
		if reuseExisting {
			return d.readHeader()
		}
		if err := d.fsys.Remove(d.path); err != nil {
			return apperrors.IO(fmt.Sprintf("deleting index %s", d.path), err)
		}
	}
	return d.createEmpty()
}

func (d *DiskIndex) createEmpty() error {
	f, err := d.fsys.OpenFile(d.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.IO(fmt.Sprintf("creating index %s", d.path), err)
	}
	w := stream.NewWriter(f, 0)
	if err := w.WriteString(Signature); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteInt(-1); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return apperrors.IO(fmt.Sprintf("closing index %s", d.path), err)
	}
	d.resetHeader()
	d.logger.Debug("created empty index", "path", d.path)
	return nil
}

func (d *DiskIndex) resetHeader() {
	d.headerInfoOffset = -1
	d.numberOfChunks = 0
	d.sizeOfLastChunk = 0
	d.chunkOffsets = nil
	d.documentReferenceSize = 0
	d.startOfCategoryTables = 0
	d.categoryOffsets = nil
	d.categoryEnds = nil
	d.mu.Lock()
	d.cachedChunks = nil
	d.categoryTables = nil
	d.cachedCategoryName = ""
	d.mu.Unlock()
}

// open returns the index file together with its current size.
func (d *DiskIndex) open() (fs.File, int64, error) {
	f, err := d.fsys.OpenFile(d.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, 0, apperrors.IO(fmt.Sprintf("opening index %s", d.path), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, apperrors.IO(fmt.Sprintf("stat index %s", d.path), err)
	}
	return f, info.Size(), nil
}

// readerAt positions a buffered reader at offset within f.
func readerAt(f io.ReaderAt, offset, fileSize int64) *stream.Reader {
	return stream.NewReader(io.NewSectionReader(f, offset, fileSize-offset), offset, 0)
}

func (d *DiskIndex) readHeader() error {
	f, size, err := d.open()
	if err != nil {
		return err
	}
	defer f.Close()

	r := stream.NewReader(io.NewSectionReader(f, 0, size), 0, headerReadSize)
	signature, err := r.ReadString()
	if err != nil {
		return apperrors.Corruptf("reading signature of %s: %v", d.path, err)
	}
	if signature != Signature {
		return apperrors.Corruptf("wrong format %q in %s", signature, d.path)
	}
	offset, err := r.ReadInt()
	if err != nil {
		return apperrors.Corruptf("reading header offset of %s: %v", d.path, err)
	}
	d.resetHeader()
	if offset <= 0 {
		return nil
	}
	if int64(offset) >= size {
		return apperrors.Corruptf("header offset %d beyond end of %s (%d bytes)", offset, d.path, size)
	}
	d.headerInfoOffset = offset
	if err := d.readHeaderInfo(readerAt(f, int64(offset), size), size); err != nil {
		d.resetHeader()
		return fmt.Errorf("reading header of %s: %w", d.path, err)
	}
	return nil
}

func (d *DiskIndex) readHeaderInfo(r *stream.Reader, fileSize int64) error {
	chunks, err := r.ReadInt()
	if err != nil {
		return err
	}
	if chunks < 0 || int64(chunks) > fileSize {
		return apperrors.Corruptf("%d chunks in a %d byte file", chunks, fileSize)
	}
	lastChunk, err := r.ReadByte()
	if err != nil {
		return err
	}
	refSize, err := r.ReadByte()
	if err != nil {
		return err
	}
	separator, err := r.ReadByte()
	if err != nil {
		return err
	}
	switch refSize {
	case 1, 2, 4:
	default:
		return apperrors.Corruptf("document reference size %d", refSize)
	}
	if chunks > 0 && (lastChunk == 0 || int(lastChunk) > ChunkSize) {
		return apperrors.Corruptf("last chunk holds %d names", lastChunk)
	}
	d.numberOfChunks = int(chunks)
	d.sizeOfLastChunk = int(lastChunk)
	d.documentReferenceSize = int(refSize)
	d.separator = separator

	d.chunkOffsets = make([]int32, chunks)
	for i := range d.chunkOffsets {
		if d.chunkOffsets[i], err = r.ReadInt(); err != nil {
			return err
		}
	}
	if d.startOfCategoryTables, err = r.ReadInt(); err != nil {
		return err
	}

	count, err := r.ReadInt()
	if err != nil {
		return err
	}
	if count < 0 || int64(count) > fileSize {
		return apperrors.Corruptf("%d categories in a %d byte file", count, fileSize)
	}
	offsets := make(map[string]int32, count)
	for i := 0; i < int(count); i++ {
		name, err := r.ReadString()
		if err != nil {
			return err
		}
		offset, err := r.ReadInt()
		if err != nil {
			return err
		}
		if offset < 0 || offset >= d.headerInfoOffset {
			return apperrors.Corruptf("category %q at offset %d outside the table region", name, offset)
		}
		offsets[name] = offset
	}
	d.categoryOffsets = offsets
	d.categoryEnds = categoryEnds(offsets, d.headerInfoOffset)
	d.categoryTables = make(map[string]categoryTable)
	return nil
}

// categoryEnds bounds every category table by the start of the next one in
// file order, or by the header for the last.
func categoryEnds(offsets map[string]int32, headerOffset int32) map[string]int32 {
	names := make([]string, 0, len(offsets))
	for name := range offsets {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return offsets[names[i]] < offsets[names[j]] })
	ends := make(map[string]int32, len(names))
	for i, name := range names {
		if i+1 < len(names) {
			ends[name] = offsets[names[i+1]]
		} else {
			ends[name] = headerOffset
		}
	}
	return ends
}

// writeHeaderInfo must stay in the order readHeaderInfo decodes.
func (d *DiskIndex) writeHeaderInfo(w *stream.Writer) error {
	if err := w.WriteInt(int32(d.numberOfChunks)); err != nil {
		return err
	}
	for _, b := range []byte{byte(d.sizeOfLastChunk), byte(d.documentReferenceSize), d.separator} {
		if err := w.WriteByte(b); err != nil {
			return err
		}
	}
	for _, offset := range d.chunkOffsets {
		if err := w.WriteInt(offset); err != nil {
			return err
		}
	}
	if err := w.WriteInt(d.startOfCategoryTables); err != nil {
		return err
	}
	if err := w.WriteInt(int32(len(d.categoryOffsets))); err != nil {
		return err
	}
	names := make([]string, 0, len(d.categoryOffsets))
	for name := range d.categoryOffsets {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return d.categoryOffsets[names[i]] < d.categoryOffsets[names[j]] })
	for _, name := range names {
		if err := w.WriteString(name); err != nil {
			return err
		}
		if err := w.WriteInt(d.categoryOffsets[name]); err != nil {
			return err
		}
	}
	return w.Flush()
}

// offset32 converts a writer offset into the int32 the format stores.
func offset32(w *stream.Writer) (int32, error) {
	off := w.Offset()
	if off > math.MaxInt32 {
		return 0, fmt.Errorf("%w: index file exceeds %d bytes", apperrors.ErrInvalidInput, math.MaxInt32)
	}
	return int32(off), nil
}

// Session keeps decoded chunks and category tables cached until Close.
type Session struct {
	d    *DiskIndex
	once sync.Once
}

// StartQuery opens a caching session. Close must be called when the query
// and any name resolution it needs are done.
func (d *DiskIndex) StartQuery() *Session {
	d.mu.Lock()
	d.cacheUserCount++
	d.mu.Unlock()
	return &Session{d: d}
}

// Close ends the session; it is safe to call more than once.
func (s *Session) Close() {
	s.once.Do(s.d.stopQuery)
}

// stopQuery trims the caches once the last session closes: document name
// chunks are dropped and only the most recently read category table survives,
// and only if it is small.
func (d *DiskIndex) stopQuery() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cacheUserCount--
	if d.cacheUserCount > 0 {
		return
	}
	d.cacheUserCount = 0
	d.cachedChunks = nil
	if d.categoryTables == nil {
		return
	}
	kept := make(map[string]categoryTable, 1)
	if d.cachedCategoryName != "" {
		if table, ok := d.categoryTables[d.cachedCategoryName]; ok {
			kept[d.cachedCategoryName] = table
		}
	}
	d.categoryTables = kept
}

// Delete removes the index file.
func (d *DiskIndex) Delete() error {
	if err := d.fsys.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return apperrors.IO(fmt.Sprintf("deleting index %s", d.path), err)
	}
	d.resetHeader()
	return nil
}
