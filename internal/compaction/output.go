// output.go implements OutputBuilder, the compaction-output file lifecycle.
//
// OutputBuilder wraps table.TableBuilder with the bookkeeping a compaction
// needs around it: allocating file numbers, syncing the finished file and
// its directory entry, recording FileMetaData, and discarding files that
// ended up empty.
//
// Reference: RocksDB v10.7.5
//   - db/compaction/compaction_job.cc (OpenCompactionOutputFile,
//     FinishCompactionOutputFile)
package compaction

import (
	"bytes"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"path/filepath"

	"github.com/riftdb/riftdb/internal/compression"
	"github.com/riftdb/riftdb/internal/dbformat"
	"github.com/riftdb/riftdb/internal/logging"
	"github.com/riftdb/riftdb/internal/manifest"
	"github.com/riftdb/riftdb/internal/rangedel"
	"github.com/riftdb/riftdb/internal/table"
	"github.com/riftdb/riftdb/internal/testutil"
	"github.com/riftdb/riftdb/internal/vfs"
)

// outputFile tracks the on-disk file backing the builder currently open.
type outputFile struct {
	fileNumber uint64
	file       vfs.WritableFile
	path       string
	smallest   []byte
	largest    []byte
	fileHash   hash.Hash32
}

// OutputBuilder manages the sequence of output SST files a compaction (or
// one of its subcompactions) produces.
type OutputBuilder struct {
	dbPath      string
	fs          vfs.FS
	nextFileNum func() uint64
	compression compression.Type
	temperature manifest.Temperature
	rateLimiter RateLimiter
	logger      logging.Logger
	metrics     *Metrics
	logPrefix   string

	current *outputFile
	builder *table.TableBuilder

	finished []*manifest.FileMetaData
}

// OutputBuilderOptions configures a new OutputBuilder.
type OutputBuilderOptions struct {
	DBPath      string
	FS          vfs.FS
	NextFileNum func() uint64
	Compression compression.Type
	Temperature manifest.Temperature
	RateLimiter RateLimiter
	Logger      logging.Logger
	Metrics     *Metrics
	LogPrefix   string
}

// NewOutputBuilder creates an OutputBuilder with no file currently open.
func NewOutputBuilder(opts OutputBuilderOptions) *OutputBuilder {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard
	}
	return &OutputBuilder{
		dbPath:      opts.DBPath,
		fs:          opts.FS,
		nextFileNum: opts.NextFileNum,
		compression: opts.Compression,
		temperature: opts.Temperature,
		rateLimiter: opts.RateLimiter,
		logger:      logger,
		metrics:     opts.Metrics,
		logPrefix:   opts.LogPrefix,
	}
}

// HasOpenFile reports whether a file is currently being written.
func (b *OutputBuilder) HasOpenFile() bool {
	return b.builder != nil
}

// CurrentSize returns the on-disk size of the file currently being
// written, or 0 if no file is open.
func (b *OutputBuilder) CurrentSize() uint64 {
	if b.builder == nil {
		return 0
	}
	return b.builder.FileSize()
}

// StartFile allocates a new file number and opens a fresh SST builder.
// Callers must Finish or Abandon the previously open file first.
func (b *OutputBuilder) StartFile() error {
	if b.builder != nil {
		return fmt.Errorf("compaction: output builder: previous file still open")
	}

	fileNum := b.nextFileNum()
	fileName := fmt.Sprintf("%06d.sst", fileNum)
	filePath := filepath.Join(b.dbPath, fileName)

	file, err := b.fs.Create(filePath)
	if err != nil {
		return fmt.Errorf("create output file %s: %w", filePath, err)
	}

	fileHash := crc32.NewIEEE()
	opts := table.DefaultBuilderOptions()
	opts.Compression = b.compression
	b.builder = table.NewTableBuilder(io.MultiWriter(file, fileHash), opts)
	b.current = &outputFile{fileNumber: fileNum, file: file, path: filePath, fileHash: fileHash}

	b.logger.Debugf("%s opening output file %s", b.logPrefix, fileName)
	return nil
}

// Add writes a single internal key/value pair to the currently open file
// and extends its recorded smallest/largest key range.
func (b *OutputBuilder) Add(internalKey, value []byte) error {
	if b.builder == nil {
		return fmt.Errorf("compaction: output builder: no file open")
	}
	if err := b.builder.Add(internalKey, value); err != nil {
		return fmt.Errorf("add to output file: %w", err)
	}
	if b.current.smallest == nil {
		b.current.smallest = append([]byte{}, internalKey...)
	}
	b.current.largest = append(b.current.largest[:0], internalKey...)
	return nil
}

// AddRangeTombstone writes a range deletion into the currently open file.
func (b *OutputBuilder) AddRangeTombstone(startKey, endKey []byte, seqNum dbformat.SequenceNumber) error {
	if b.builder == nil {
		return fmt.Errorf("compaction: output builder: no file open")
	}
	return b.builder.AddRangeTombstone(startKey, endKey, seqNum)
}

// FlushRangeTombstones writes, into the currently open file, every
// tombstone in agg whose range overlaps that file's current
// [smallest, largest] key span, truncated to the span. A tombstone that
// spans multiple output files is written into each of them; readers merge
// tombstones across files the same way they merge across levels. No-op if
// no file is open.
func (b *OutputBuilder) FlushRangeTombstones(agg *rangedel.CompactionRangeDelAggregator) error {
	if b.builder == nil || agg == nil || b.current.smallest == nil {
		return nil
	}
	lo := dbformat.ExtractUserKey(b.current.smallest)
	hi := dbformat.ExtractUserKey(b.current.largest)
	for _, t := range agg.TombstonesInRange(lo, hi) {
		start, end := t.StartKey, t.EndKey
		if bytes.Compare(start, lo) < 0 {
			start = lo
		}
		if bytes.Compare(end, hi) > 0 {
			end = hi
		}
		if bytes.Compare(start, end) >= 0 {
			continue
		}
		if err := b.AddRangeTombstone(start, end, t.SequenceNum); err != nil {
			return err
		}
	}
	return nil
}

// NumEntries returns the number of entries written to the currently open
// file so far.
func (b *OutputBuilder) NumEntries() uint64 {
	if b.builder == nil {
		return 0
	}
	return b.builder.NumEntries()
}

// Finish closes the currently open file, syncs it and its directory entry,
// and returns the resulting FileMetaData. When the file ended up with no
// entries and no range tombstones it is deleted instead and Finish returns
// (nil, nil), matching RocksDB's FinishCompactionOutputFile which never
// keeps an empty SST around.
func (b *OutputBuilder) Finish() (*manifest.FileMetaData, error) {
	if b.builder == nil {
		return nil, nil
	}
	builder, current := b.builder, b.current
	b.builder, b.current = nil, nil

	// Whitebox [crashtest]: crash before the output file is synced.
	testutil.MaybeKill(testutil.KPCompactionOutputSync0)

	if err := builder.Finish(); err != nil {
		_ = current.file.Close()
		return nil, fmt.Errorf("finish output file: %w", err)
	}

	empty := builder.NumEntries() == 0 && !builder.HasRangeTombstones()
	fileSize := builder.FileSize()

	if b.rateLimiter != nil && !empty {
		b.rateLimiter.Request(int64(fileSize), IOPriorityLow)
	}

	if err := current.file.Sync(); err != nil {
		_ = current.file.Close()
		return nil, fmt.Errorf("sync output file: %w", err)
	}
	if err := current.file.Close(); err != nil {
		return nil, fmt.Errorf("close output file: %w", err)
	}

	if empty {
		b.logger.Debugf("%s discarding empty output file %s", b.logPrefix, current.path)
		if err := b.fs.Remove(current.path); err != nil {
			return nil, fmt.Errorf("remove empty output file: %w", err)
		}
		return nil, nil
	}

	if err := b.fs.SyncDir(b.dbPath); err != nil {
		return nil, fmt.Errorf("sync directory after output file write: %w", err)
	}

	meta := manifest.NewFileMetaData()
	meta.FD = manifest.NewFileDescriptor(current.fileNumber, 0, fileSize)
	meta.Smallest = current.smallest
	meta.Largest = current.largest
	meta.Temperature = b.temperature
	meta.FileChecksumFuncName = "CRC32"
	meta.FileChecksum = fmt.Sprintf("%08x", current.fileHash.Sum32())

	b.finished = append(b.finished, meta)
	b.metrics.addBytesWritten(fileSize)
	b.metrics.incFilesProduced()
	b.logger.Infof("%s finished output file %s (%d bytes, %d entries)",
		b.logPrefix, current.path, fileSize, builder.NumEntries())

	return meta, nil
}

// Abandon discards the currently open file without finalizing it, deleting
// whatever partial bytes were written. Used when a compaction fails or is
// cancelled partway through.
func (b *OutputBuilder) Abandon() error {
	if b.builder == nil {
		return nil
	}
	builder, current := b.builder, b.current
	b.builder, b.current = nil, nil

	builder.Abandon()
	_ = current.file.Close()
	if err := b.fs.Remove(current.path); err != nil {
		return fmt.Errorf("remove abandoned output file: %w", err)
	}
	b.logger.Debugf("%s abandoned output file %s", b.logPrefix, current.path)
	return nil
}

// FinishedFiles returns every FileMetaData produced by this builder so far.
func (b *OutputBuilder) FinishedFiles() []*manifest.FileMetaData {
	return b.finished
}
