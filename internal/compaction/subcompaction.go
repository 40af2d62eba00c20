// subcompaction.go implements SubcompactionWorker: the loop that drives one
// contiguous key range [startKey, endKey) through a merging input iterator,
// a CompactionIterator, and a sequence of OutputBuilder files.
//
// Reference: RocksDB v10.7.5
//   - db/compaction/compaction_job.cc (ProcessKeyValueCompaction,
//     SubcompactionState)
package compaction

import (
	"fmt"

	"github.com/riftdb/riftdb/internal/block"
	"github.com/riftdb/riftdb/internal/blob"
	"github.com/riftdb/riftdb/internal/dbformat"
	"github.com/riftdb/riftdb/internal/iterator"
	"github.com/riftdb/riftdb/internal/manifest"
	"github.com/riftdb/riftdb/internal/rangedel"
)

// SubcompactionStats accumulates the per-subcompaction counters rolled up
// into CompactionJobStats once every subcompaction finishes.
type SubcompactionStats struct {
	CompactionIteratorStats
	NumInputRecords  uint64
	NumOutputRecords uint64
	BytesRead        uint64
	BytesWritten     uint64
	NumOutputFiles   int
}

// blobGarbageAccumulator tracks how many blob values a subcompaction found
// already-obsolete in a given blob file, for rolling up into a
// BlobFileGarbage version edit entry.
type blobGarbageAccumulator struct {
	count uint64
	bytes uint64
}

// SubcompactionState is the mutable record of one subcompaction: the key
// range it owns, the files it has produced, and its outcome.
type SubcompactionState struct {
	compaction *Compaction
	subID      int
	startKey   []byte
	endKey     []byte

	outputs       []*manifest.FileMetaData
	blobAdditions []manifest.BlobFileAddition
	blobGarbage   map[uint64]*blobGarbageAccumulator

	stats  SubcompactionStats
	status error
}

// NewSubcompactionState creates the state for one subcompaction of c,
// covering the user-key range [startKey, endKey). An empty endKey means
// unbounded above.
func NewSubcompactionState(c *Compaction, subID int, startKey, endKey []byte) *SubcompactionState {
	return &SubcompactionState{
		compaction:  c,
		subID:       subID,
		startKey:    startKey,
		endKey:      endKey,
		blobGarbage: make(map[uint64]*blobGarbageAccumulator),
	}
}

// Status returns the error this subcompaction failed with, or nil.
func (s *SubcompactionState) Status() error {
	return s.status
}

// Outputs returns the files this subcompaction produced.
func (s *SubcompactionState) Outputs() []*manifest.FileMetaData {
	return s.outputs
}

// SubcompactionWorker runs a single SubcompactionState to completion against
// its owning CompactionJob's resources (table cache, rate limiter, blob
// manager, logger, metrics).
type SubcompactionWorker struct {
	job *CompactionJob
}

// clippedIterator restricts an Iterator to the half-open user-key range
// [startKey, endKey), skipping entries from the input that fall outside it.
// A merged input iterator spans the whole compaction's key range; each
// subcompaction clips it down to its own slice.
type clippedIterator struct {
	inner    iterator.Iterator
	startKey []byte
	endKey   []byte
	valid    bool
}

func newClippedIterator(inner iterator.Iterator, startKey, endKey []byte) *clippedIterator {
	return &clippedIterator{inner: inner, startKey: startKey, endKey: endKey}
}

func (c *clippedIterator) SeekToFirst() {
	c.inner.SeekToFirst()
	if len(c.startKey) > 0 {
		c.inner.Seek(dbformat.NewInternalKey(c.startKey, dbformat.MaxSequenceNumber, dbformat.TypeValue))
	}
	c.settle()
}

func (c *clippedIterator) settle() {
	c.valid = c.inner.Valid() && c.withinEnd()
}

func (c *clippedIterator) withinEnd() bool {
	if len(c.endKey) == 0 {
		return true
	}
	bound := dbformat.NewInternalKey(c.endKey, dbformat.MaxSequenceNumber, dbformat.TypeValue)
	return block.CompareInternalKeys(c.inner.Key(), bound) < 0
}

func (c *clippedIterator) Valid() bool        { return c.valid }
func (c *clippedIterator) Key() []byte        { return c.inner.Key() }
func (c *clippedIterator) Value() []byte      { return c.inner.Value() }
func (c *clippedIterator) Next()              { c.inner.Next(); c.settle() }
func (c *clippedIterator) SeekToLast()        { c.inner.SeekToLast() }
func (c *clippedIterator) Seek(target []byte) { c.inner.Seek(target); c.settle() }
func (c *clippedIterator) Prev()              { c.inner.Prev() }
func (c *clippedIterator) Error() error       { return c.inner.Error() }

// kMaxGrandParentOverlapFactor mirrors RocksDB's compaction_job.cc: an
// output file may overlap at most this many times its own target size
// worth of grandparent data before being cut early.
const kMaxGrandParentOverlapFactor = 10

// grandparentOverlapTracker walks the list of grandparent (OutputLevel+1)
// files in step with the output stream and reports when the cumulative
// overlap since the last cut has grown large enough that the current
// output file should be closed early, bounding how much write
// amplification at the grandparent level a single output file can cause.
type grandparentOverlapTracker struct {
	files     []*manifest.FileMetaData
	index     int
	seenBytes uint64
	threshold uint64
}

func newGrandparentOverlapTracker(files []*manifest.FileMetaData, maxOutputFileSize uint64) *grandparentOverlapTracker {
	threshold := maxOutputFileSize * kMaxGrandParentOverlapFactor
	if threshold == 0 {
		threshold = 1 << 30
	}
	return &grandparentOverlapTracker{files: files, threshold: threshold}
}

// ShouldStopBefore reports whether the output file open right now should
// be cut before including internalKey, based on grandparent bytes seen
// since the tracker last reset.
func (g *grandparentOverlapTracker) ShouldStopBefore(internalKey []byte) bool {
	if len(g.files) == 0 {
		return false
	}
	for g.index < len(g.files) && block.CompareInternalKeys(g.files[g.index].Largest, internalKey) < 0 {
		g.seenBytes += g.files[g.index].FD.FileSize
		g.index++
	}
	if g.seenBytes > g.threshold {
		g.seenBytes = 0
		return true
	}
	return false
}

// Run drives sub to completion: open the input files overlapping its key
// range, merge them, feed the merged stream through a CompactionIterator,
// and write survivors out through an OutputBuilder, cutting a new output
// file whenever size or grandparent overlap demands it.
func (w *SubcompactionWorker) Run(sub *SubcompactionState) error {
	c := w.job.compaction
	logPrefix := fmt.Sprintf("[compact:%d]", sub.subID)

	inputs := filterInputsForRange(c.Inputs, sub.startKey, sub.endKey)
	if len(inputs) == 0 {
		return nil
	}

	rangeDelAgg := rangedel.NewCompactionRangeDelAggregator(c.Snapshots, c.Bottommost)
	iters, bytesRead, err := w.job.openInputIterators(inputs, rangeDelAgg)
	if err != nil {
		return fmt.Errorf("%s open input iterators: %w", logPrefix, err)
	}
	sub.stats.BytesRead += bytesRead
	defer w.job.releaseInputIterators(inputs)

	merged := iterator.NewMergingIterator(iters, block.CompareInternalKeys)
	clipped := newClippedIterator(merged, sub.startKey, sub.endKey)

	var blobMgr *blob.FileManager
	if c.EnableBlobFiles {
		blobMgr = w.job.blobManagerFor(sub.subID)
	}

	ci := NewCompactionIterator(clipped, CompactionIteratorOptions{
		Snapshots:                    c.Snapshots,
		Bottommost:                   c.Bottommost,
		OutputLevel:                  c.OutputLevel,
		Filter:                       w.job.filter,
		MergeOperator:                w.job.mergeOperator,
		RangeDelAgg:                  rangeDelAgg,
		BlobManager:                  blobMgr,
		EnforceSingleDeleteContracts: c.EnforceSingleDeleteContracts,
	})

	ob := NewOutputBuilder(OutputBuilderOptions{
		DBPath:      w.job.dbPath,
		FS:          w.job.fs,
		NextFileNum: w.job.nextFileNum,
		Compression: w.job.outputCompression(),
		Temperature: c.OutputTemperature,
		RateLimiter: w.job.rateLimiter,
		Logger:      w.job.logger,
		Metrics:     w.job.metrics,
		LogPrefix:   logPrefix,
	})

	gp := newGrandparentOverlapTracker(c.Grandparents, c.MaxOutputFileSize)
	var lastUserKey []byte
	cutPending := false

	for ci.SeekToFirst(); ci.Valid(); ci.Next() {
		if w.job.cancel.Cancelled() {
			sub.status = ErrShutdownInProgress
			break
		}

		key := ci.Key()
		value := ci.Value()
		userKey := dbformat.ExtractUserKey(key)

		if cutPending && !bytesEqual(userKey, lastUserKey) {
			if err := w.finishFile(sub, ob, rangeDelAgg); err != nil {
				return err
			}
			cutPending = false
		}

		if !ob.HasOpenFile() {
			if err := ob.StartFile(); err != nil {
				return fmt.Errorf("%s start output file: %w", logPrefix, err)
			}
		}

		if err := ob.Add(key, value); err != nil {
			return fmt.Errorf("%s write output entry: %w", logPrefix, err)
		}
		sub.stats.NumOutputRecords++

		lastUserKey = append(lastUserKey[:0], userKey...)
		if ob.CurrentSize() >= c.MaxOutputFileSize || gp.ShouldStopBefore(key) {
			cutPending = true
		}
	}

	if err := ci.Error(); err != nil && sub.status == nil {
		w.abandonOpen(ob)
		return fmt.Errorf("%s compaction iterator: %w", logPrefix, err)
	}

	if err := w.finishFile(sub, ob, rangeDelAgg); err != nil {
		return err
	}

	if blobMgr != nil {
		sub.blobAdditions = append(sub.blobAdditions, blobMgr.Additions()...)
	}

	var garbageBytes uint64
	for fileNum, g := range ci.BlobGarbage {
		acc := sub.blobGarbage[fileNum]
		if acc == nil {
			acc = &blobGarbageAccumulator{}
			sub.blobGarbage[fileNum] = acc
		}
		acc.count += g.count
		acc.bytes += g.bytes
		garbageBytes += g.bytes
	}

	sub.stats.CompactionIteratorStats = ci.Stats
	// NumInputRecords counts every record the iterator consumed, not just
	// the ones that survived to an output file: records it merged or
	// dropped were read from the input too.
	sub.stats.NumInputRecords = sub.stats.NumOutputRecords +
		ci.Stats.FilteredRecords +
		ci.Stats.ShadowedRecords +
		ci.Stats.RangeTombstoneDropped +
		ci.Stats.SingleDeletesDropped +
		ci.Stats.MergedRecords
	w.job.metrics.addRecordsDropped(dropReasonFilter, ci.Stats.FilteredRecords)
	w.job.metrics.addRecordsDropped(dropReasonRangeTombstone, ci.Stats.RangeTombstoneDropped)
	w.job.metrics.addRecordsDropped(dropReasonSingleDelete, ci.Stats.SingleDeletesDropped)
	w.job.metrics.addRecordsDropped(dropReasonObsolete, ci.Stats.ShadowedRecords)
	w.job.metrics.addBlobGarbageBytes(garbageBytes)

	w.job.logger.Debugf("%s produced %d files, %d input records, %d output records",
		logPrefix, sub.stats.NumOutputFiles, sub.stats.NumInputRecords, sub.stats.NumOutputRecords)

	return sub.status
}

// finishFile flushes every tombstone overlapping the currently open file's
// key range into it, then finalizes it and records the resulting
// FileMetaData on sub. A no-op if no file is open.
func (w *SubcompactionWorker) finishFile(sub *SubcompactionState, ob *OutputBuilder, rangeDelAgg *rangedel.CompactionRangeDelAggregator) error {
	if !ob.HasOpenFile() {
		return nil
	}
	if err := ob.FlushRangeTombstones(rangeDelAgg); err != nil {
		return fmt.Errorf("flush range tombstones into output file: %w", err)
	}
	meta, err := ob.Finish()
	if err != nil {
		return fmt.Errorf("finish output file: %w", err)
	}
	if meta != nil {
		sub.outputs = append(sub.outputs, meta)
		sub.stats.NumOutputFiles++
		sub.stats.BytesWritten += meta.FD.FileSize
	}
	return nil
}

// abandonOpen discards whatever output file is currently open, for use
// when the subcompaction is failing and the partial file should not be
// kept.
func (w *SubcompactionWorker) abandonOpen(ob *OutputBuilder) {
	if err := ob.Abandon(); err != nil {
		w.job.logger.Warnf("abandon output file: %v", err)
	}
}

// filterInputsForRange returns, for each input level, only the files whose
// key range overlaps [startKey, endKey). A subcompaction only needs to open
// the files that can contribute to its slice of the key space.
func filterInputsForRange(inputs []*CompactionInputFiles, startKey, endKey []byte) []*CompactionInputFiles {
	var result []*CompactionInputFiles
	for _, in := range inputs {
		var files []*manifest.FileMetaData
		for _, f := range in.Files {
			if len(endKey) > 0 && compareKeys(f.Smallest, endKey) >= 0 {
				continue
			}
			if len(startKey) > 0 && compareKeys(f.Largest, startKey) < 0 {
				continue
			}
			files = append(files, f)
		}
		if len(files) > 0 {
			result = append(result, &CompactionInputFiles{Level: in.Level, Files: files})
		}
	}
	return result
}
