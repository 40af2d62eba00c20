// job.go implements CompactionJob, which orchestrates a single compaction
// from planning through installation.
//
// CompactionJob moves through the states Created -> Prepared -> Running ->
// Verified -> Installed|Failed -> Cleaned. Prepare and Install are called
// under the caller's mutex; Run is not.
//
// Reference: RocksDB v10.7.5
//   - db/compaction/compaction_job.h
//   - db/compaction/compaction_job.cc
//
// # Whitebox Testing Hooks
//
// This file contains sync points (requires -tags synctest) for whitebox testing.
// In production builds, these compile to no-ops with zero overhead.
// See docs/testing.md for usage.
package compaction

import (
	"fmt"
	"hash/crc32"
	"io"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/riftdb/riftdb/internal/blob"
	"github.com/riftdb/riftdb/internal/compression"
	"github.com/riftdb/riftdb/internal/dbformat"
	"github.com/riftdb/riftdb/internal/iterator"
	"github.com/riftdb/riftdb/internal/logging"
	"github.com/riftdb/riftdb/internal/manifest"
	"github.com/riftdb/riftdb/internal/rangedel"
	"github.com/riftdb/riftdb/internal/table"
	"github.com/riftdb/riftdb/internal/testutil"
	"github.com/riftdb/riftdb/internal/vfs"
)

// RateLimiter is an interface for rate limiting I/O operations.
type RateLimiter interface {
	Request(bytes int64, priority int)
}

// IOPriority constants for rate limiting.
const (
	IOPriorityLow  = 0 // Background operations (compaction, flush)
	IOPriorityHigh = 1 // User reads/writes
)

// FilterDecision represents the decision made by a compaction filter.
type FilterDecision int

const (
	// FilterKeep keeps the key-value pair unchanged.
	FilterKeep FilterDecision = iota

	// FilterRemove removes the key-value pair from the database.
	FilterRemove

	// FilterChange changes the value of the key-value pair.
	FilterChange
)

// Filter is the interface for compaction filters.
// During compaction, Filter is called for each key-value pair,
// allowing the user to decide whether to keep, remove, or modify the entry.
// Reference: RocksDB include/rocksdb/compaction_filter.h
type Filter interface {
	// Name returns the name of the compaction filter.
	Name() string

	// Filter is called for each key-value pair during compaction.
	Filter(level int, key, value []byte) (decision FilterDecision, newValue []byte)
}

// MergeOperator is the interface for user-defined merge operations during compaction.
// When multiple merge operands exist for the same key, they are combined using FullMerge.
type MergeOperator interface {
	// FullMerge performs a merge operation. operands are ordered oldest first.
	FullMerge(key []byte, existingValue []byte, operands [][]byte) (newValue []byte, ok bool)
}

// JobState is the lifecycle state of a CompactionJob.
type JobState int

const (
	JobCreated JobState = iota
	JobPrepared
	JobRunning
	JobVerified
	JobInstalled
	JobFailed
	JobCleaned
)

func (s JobState) String() string {
	switch s {
	case JobCreated:
		return "Created"
	case JobPrepared:
		return "Prepared"
	case JobRunning:
		return "Running"
	case JobVerified:
		return "Verified"
	case JobInstalled:
		return "Installed"
	case JobFailed:
		return "Failed"
	case JobCleaned:
		return "Cleaned"
	default:
		return "Unknown"
	}
}

// ApproximateSizer matches version.VersionSet.ApproximateSize, queried by
// BoundaryPlanner during Prepare. Taking the narrow method rather than the
// whole VersionSet keeps this package free of a dependency on the version
// package's concrete type beyond what it actually calls.
type ApproximateSizer interface {
	ApproximateSize(keyA, keyB []byte, levelLo, levelHi int) uint64
}

// Installer is satisfied by version.VersionSet.LogAndApply. CompactionJob
// depends on the narrow interface rather than the concrete VersionSet so
// unit tests can install a fake.
type Installer interface {
	LogAndApply(edit *manifest.VersionEdit) error
}

// CompactionJob orchestrates a single compaction: it partitions the key
// range into subcompactions, runs them (in parallel when there is more
// than one), verifies their outputs, and installs the result into the
// engine's version history.
type CompactionJob struct {
	compaction *Compaction
	dbPath     string
	fs         vfs.FS
	tableCache *table.TableCache
	installer  Installer
	approxSize ApproximateSizer

	nextFileNum func() uint64

	rateLimiter   RateLimiter
	filter        Filter
	mergeOperator MergeOperator
	logger        logging.Logger
	metrics       *Metrics
	clock         Clock
	cancel        *CancelToken

	blobMu      sync.Mutex
	blobManager *blob.FileManager

	state JobState
	subs  []*SubcompactionState
	outputFiles []*manifest.FileMetaData
	startMicros int64
	err         error

	// Statistics about filtered entries, aggregated across subcompactions
	// after Run completes.
	filteredRecords uint64
	changedRecords  uint64
	mergedRecords   uint64
}

// JobOptions configures a new CompactionJob. Only DBPath, FS, TableCache,
// and NextFileNum are required; everything else defaults to a harmless
// no-op.
type JobOptions struct {
	DBPath      string
	FS          vfs.FS
	TableCache  *table.TableCache
	Installer   Installer
	ApproxSize  ApproximateSizer
	NextFileNum func() uint64

	RateLimiter   RateLimiter
	Filter        Filter
	MergeOperator MergeOperator
	Logger        logging.Logger
	Metrics       *Metrics
	Clock         Clock
	Cancel        *CancelToken
}

// NewCompactionJob creates a CompactionJob for c in state Created.
func NewCompactionJob(c *Compaction, opts JobOptions) *CompactionJob {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &CompactionJob{
		compaction:    c,
		dbPath:        opts.DBPath,
		fs:            opts.FS,
		tableCache:    opts.TableCache,
		installer:     opts.Installer,
		approxSize:    opts.ApproxSize,
		nextFileNum:   opts.NextFileNum,
		rateLimiter:   opts.RateLimiter,
		filter:        opts.Filter,
		mergeOperator: opts.MergeOperator,
		logger:        logger,
		metrics:       opts.Metrics,
		clock:         clock,
		cancel:        opts.Cancel,
		state:         JobCreated,
	}
}

// SetFilter sets the compaction filter for this job.
func (j *CompactionJob) SetFilter(f Filter) {
	j.filter = f
}

// SetMergeOperator sets the merge operator for this job.
func (j *CompactionJob) SetMergeOperator(m MergeOperator) {
	j.mergeOperator = m
}

// FilterStats returns the count of removed and changed records observed
// across every subcompaction this job ran.
func (j *CompactionJob) FilterStats() (removed, changed uint64) {
	return j.filteredRecords, j.changedRecords
}

// State returns the job's current lifecycle state.
func (j *CompactionJob) State() JobState {
	return j.state
}

// OutputFiles returns the files produced by Run, available once the job
// has reached JobVerified or later.
func (j *CompactionJob) OutputFiles() []*manifest.FileMetaData {
	return j.outputFiles
}

// Prepare computes the subcompaction partitioning and transitions the job
// to JobPrepared. Must be called with the engine mutex held; mu is
// released around each BoundaryPlanner approximate-size query to avoid
// holding it for the whole planning pass.
func (j *CompactionJob) Prepare(mu *sync.Mutex) error {
	if j.state != JobCreated {
		return errors.Wrapf(ErrInvalidArgument, "Prepare called in state %s", j.state)
	}

	_ = testutil.SP(testutil.SPBoundaryPlanBegin)

	var approxSizeFn ApproximateSizeFunc
	if j.approxSize != nil {
		approxSizeFn = func(keyA, keyB []byte, levelLo, levelHi int) uint64 {
			if mu != nil {
				mu.Unlock()
				defer mu.Lock()
			}
			return j.approxSize.ApproximateSize(keyA, keyB, levelLo, levelHi)
		}
	}

	planner := NewBoundaryPlanner(approxSizeFn, j.compaction.MaxSubcompactions)
	boundaries := planner.Plan(j.compaction)

	_ = testutil.SP(testutil.SPBoundaryPlanEnd)

	if len(boundaries) <= 2 {
		j.subs = []*SubcompactionState{NewSubcompactionState(j.compaction, 0, nil, nil)}
	} else {
		n := len(boundaries)
		for i := 0; i < n-1; i++ {
			start := boundaries[i]
			if i == 0 {
				start = nil
			}
			end := boundaries[i+1]
			if i == n-2 {
				end = nil
			}
			j.subs = append(j.subs, NewSubcompactionState(j.compaction, i, start, end))
		}
	}

	j.state = JobPrepared
	return nil
}

// Run executes every subcompaction: subcompaction 0 on the caller's
// goroutine, subcompactions 1..N-1 each on their own goroutine, then syncs
// the output directory and verifies every produced file. Must not be
// called with the engine mutex held.
func (j *CompactionJob) Run() error {
	if j.state != JobPrepared {
		return errors.Wrapf(ErrInvalidArgument, "Run called in state %s", j.state)
	}
	j.state = JobRunning
	j.startMicros = j.clock.NowMicros()

	_ = testutil.SP(testutil.SPCompactionStart)
	testutil.MaybeKill(testutil.KPCompactionStart0)

	if j.compaction.IsTrivialMove {
		j.doTrivialMove()
		j.state = JobVerified
		return nil
	}

	_ = testutil.SP(testutil.SPCompactionOpenInputs)

	var wg sync.WaitGroup
	var firstErr firstError

	for i := 1; i < len(j.subs); i++ {
		wg.Add(1)
		go func(sub *SubcompactionState) {
			defer wg.Done()
			_ = testutil.SP(testutil.SPSubcompactionBegin)
			w := &SubcompactionWorker{job: j}
			firstErr.Set(w.Run(sub))
			_ = testutil.SP(testutil.SPSubcompactionEnd)
		}(j.subs[i])
	}

	if len(j.subs) > 0 {
		w := &SubcompactionWorker{job: j}
		_ = testutil.SP(testutil.SPSubcompactionBegin)
		firstErr.Set(w.Run(j.subs[0]))
		_ = testutil.SP(testutil.SPSubcompactionEnd)
	}

	wg.Wait()

	_ = testutil.SP(testutil.SPCompactionFinishOutput)

	if err := firstErr.Err(); err != nil {
		j.state = JobFailed
		j.err = err
		return err
	}

	if err := j.fs.SyncDir(j.dbPath); err != nil {
		j.state = JobFailed
		j.err = errors.Wrapf(ErrIOError, "sync output directory: %v", err)
		return j.err
	}

	for _, sub := range j.subs {
		j.outputFiles = append(j.outputFiles, sub.Outputs()...)
		j.filteredRecords += sub.stats.FilteredRecords
		j.changedRecords += sub.stats.ChangedRecords
		j.mergedRecords += sub.stats.MergedRecords
	}

	if j.blobManager != nil {
		if err := j.blobManager.Flush(); err != nil {
			j.state = JobFailed
			j.err = errors.Wrapf(ErrIOError, "flush blob files: %v", err)
			return j.err
		}
		// Flush closes whichever blob file was still open across all
		// subcompactions; attribute its addition to the first subcompaction
		// since the blob manager is shared job-wide rather than per-sub.
		if additions := j.blobManager.Additions(); len(additions) > 0 && len(j.subs) > 0 {
			j.subs[0].blobAdditions = append(j.subs[0].blobAdditions, additions...)
		}
	}

	if err := j.verify(); err != nil {
		j.state = JobFailed
		j.err = err
		return err
	}

	j.metrics.observeDurationSeconds(float64(j.clock.NowMicros()-j.startMicros) / 1e6)
	j.state = JobVerified
	_ = testutil.SP(testutil.SPCompactionComplete)
	return nil
}

// verify reopens every produced output file through the table cache and
// walks it end to end, surfacing a Corruption error if any entry fails to
// decode, then recomputes the file's CRC32 and compares it against the
// value OutputBuilder captured when the file was written. This is the
// "recompute and compare" pass 4.F's run() contract requires before a job
// may be installed.
func (j *CompactionJob) verify() error {
	_ = testutil.SP(testutil.SPVerifyBegin)
	testutil.MaybeKill(testutil.KPCompactionVerify0)

	for _, meta := range j.outputFiles {
		path := j.sstPath(meta.FD.GetNumber())
		reader, err := j.tableCache.Get(meta.FD.GetNumber(), path)
		if err != nil {
			return errors.Wrapf(ErrCorruption, "verify: open output file %s: %v", path, err)
		}
		it := reader.NewIterator()
		for it.SeekToFirst(); it.Valid(); it.Next() {
			_ = it.Key()
			_ = it.Value()
		}
		err = it.Error()
		j.tableCache.Release(meta.FD.GetNumber())
		if err != nil {
			return errors.Wrapf(ErrVerificationFailed, "verify output file %s: %v", path, err)
		}

		if err := j.verifyFileChecksum(path, meta); err != nil {
			return err
		}
	}

	_ = testutil.SP(testutil.SPVerifyEnd)
	return nil
}

// verifyFileChecksum recomputes the CRC32 of path's raw bytes and compares
// it against the value captured at build time. A meta with no recorded
// checksum (e.g. a trivially-moved input file) is skipped.
func (j *CompactionJob) verifyFileChecksum(path string, meta *manifest.FileMetaData) error {
	if meta.FileChecksum == "" {
		return nil
	}

	f, err := j.fs.Open(path)
	if err != nil {
		return errors.Wrapf(ErrCorruption, "verify: reopen output file %s: %v", path, err)
	}
	defer f.Close()

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return errors.Wrapf(ErrVerificationFailed, "verify: read output file %s: %v", path, err)
	}

	got := fmt.Sprintf("%08x", h.Sum32())
	if got != meta.FileChecksum {
		return errors.Wrapf(ErrVerificationFailed,
			"verify output file %s: checksum mismatch, got %s want %s", path, got, meta.FileChecksum)
	}
	return nil
}

// doTrivialMove handles trivial move compactions: the file changes level
// without being rewritten.
func (j *CompactionJob) doTrivialMove() {
	for _, input := range j.compaction.Inputs {
		for _, f := range input.Files {
			outputMeta := manifest.NewFileMetaData()
			outputMeta.FD = f.FD
			outputMeta.Smallest = f.Smallest
			outputMeta.Largest = f.Largest
			outputMeta.Temperature = f.Temperature
			j.compaction.Edit.AddFile(j.compaction.OutputLevel, outputMeta)
			j.compaction.Edit.DeleteFile(input.Level, f.FD.GetNumber())
		}
	}
}

// Install builds and submits the VersionEdit for this compaction, via
// §4.G's Installer. Must be called with the engine mutex held, and only
// when Run returned nil.
func (j *CompactionJob) Install(mu *sync.Mutex) error {
	if j.state != JobVerified {
		return errors.Wrapf(ErrInvalidArgument, "Install called in state %s", j.state)
	}
	if j.compaction.IsTrivialMove {
		j.state = JobInstalled
		return nil
	}

	_ = testutil.SP(testutil.SPInstallBegin)
	testutil.MaybeKill(testutil.KPCompactionDeleteInput0)

	inst := newInstaller(j)
	if err := inst.Install(); err != nil {
		j.state = JobFailed
		j.err = err
		return err
	}

	_ = testutil.SP(testutil.SPInstallEnd)
	j.state = JobInstalled
	return nil
}

// Cleanup closes the blob manager and abandons any output files that were
// produced but never installed. Always call Cleanup after Run, regardless
// of outcome.
func (j *CompactionJob) Cleanup() {
	if j.blobManager != nil {
		_ = j.blobManager.Close()
	}
	if j.state != JobInstalled && j.state != JobCreated {
		for _, meta := range j.outputFiles {
			path := j.sstPath(meta.FD.GetNumber())
			_ = j.fs.Remove(path)
		}
	}
	j.state = JobCleaned
}

// openInputIterators opens a table iterator for each file in inputs and
// loads its range tombstones into agg. Returns the opened iterators, the
// approximate bytes that will be read, and any error. Callers must pair a
// successful call with releaseInputIterators.
func (j *CompactionJob) openInputIterators(inputs []*CompactionInputFiles, agg *rangedel.CompactionRangeDelAggregator) ([]iterator.Iterator, uint64, error) {
	var iters []iterator.Iterator
	var bytesRead uint64
	var opened []uint64

	for _, input := range inputs {
		for _, f := range input.Files {
			path := j.sstPath(f.FD.GetNumber())
			reader, err := j.tableCache.Get(f.FD.GetNumber(), path)
			if err != nil {
				for _, num := range opened {
					j.tableCache.Release(num)
				}
				return nil, 0, errors.Wrapf(ErrIOError, "open input file %d: %v", f.FD.GetNumber(), err)
			}
			opened = append(opened, f.FD.GetNumber())
			bytesRead += f.FD.FileSize

			if agg != nil {
				tombstones, err := reader.GetRangeTombstoneList()
				if err == nil && !tombstones.IsEmpty() {
					agg.AddTombstoneList(input.Level, tombstones)
				}
			}

			iters = append(iters, reader.NewIterator())
		}
	}

	return iters, bytesRead, nil
}

// releaseInputIterators returns the table cache handles opened by a matching
// openInputIterators call.
func (j *CompactionJob) releaseInputIterators(inputs []*CompactionInputFiles) {
	for _, input := range inputs {
		for _, f := range input.Files {
			j.tableCache.Release(f.FD.GetNumber())
		}
	}
}

// blobManagerFor returns the shared blob file manager for this job,
// creating it on first use. FileManager is internally synchronized so
// every subcompaction can safely share one instance.
func (j *CompactionJob) blobManagerFor(_ int) *blob.FileManager {
	j.blobMu.Lock()
	defer j.blobMu.Unlock()
	if j.blobManager == nil {
		j.blobManager = blob.NewFileManager(j.fs, j.dbPath, blob.ManagerOptions{
			Enable:      j.compaction.EnableBlobFiles,
			MinBlobSize: int(j.compaction.MinBlobSize),
		}, j.nextFileNum)
	}
	return j.blobManager
}

// outputCompression resolves the compaction plan's requested compression
// codec to the concrete type OutputBuilder's TableBuilder expects.
func (j *CompactionJob) outputCompression() compression.Type {
	switch j.compaction.OutputCompression {
	case "snappy":
		return compression.SnappyCompression
	case "zstd":
		return compression.ZstdCompression
	case "lz4":
		return compression.LZ4Compression
	case "none", "":
		return compression.NoCompression
	default:
		return compression.NoCompression
	}
}

// sstPath returns the path to an SST file.
func (j *CompactionJob) sstPath(fileNum uint64) string {
	return filepath.Join(j.dbPath, fmt.Sprintf("%06d.sst", fileNum))
}

// SmallestUserKey returns the user-key portion of the compaction's overall
// smallest internal key, or nil if unset.
func (c *Compaction) SmallestUserKey() []byte {
	if len(c.SmallestKey) == 0 {
		return nil
	}
	return dbformat.ExtractUserKey(c.SmallestKey)
}
