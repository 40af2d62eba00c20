package compaction

import "github.com/cockroachdb/errors"

// Sentinel errors classifying why a compaction failed, mirroring the
// rocksdb::Status::Code taxonomy a CompactionJob can surface. Callers use
// errors.Is against these after unwrapping the Wrapf chain added at each
// propagation boundary.
var (
	// ErrCorruption means an input SST, blob file, or its checksum did not
	// match what was recorded when the file was written.
	ErrCorruption = errors.New("compaction: corruption")

	// ErrIOError wraps a failed read, write, or sync against the vfs.FS.
	ErrIOError = errors.New("compaction: io error")

	// ErrSpaceLimit means the filesystem or a configured space limit
	// rejected an output file write.
	ErrSpaceLimit = errors.New("compaction: space limit reached")

	// ErrNotSupported means the compaction plan requested a feature this
	// build does not implement (e.g. an unknown compression codec).
	ErrNotSupported = errors.New("compaction: not supported")

	// ErrShutdownInProgress means the job was cancelled because the owning
	// database is shutting down.
	ErrShutdownInProgress = errors.New("compaction: shutdown in progress")

	// ErrInvalidArgument means the CompactionPlan itself was malformed
	// (e.g. empty inputs, inverted key range).
	ErrInvalidArgument = errors.New("compaction: invalid argument")

	// ErrVerificationFailed means the post-write verification pass found
	// an output file that does not match what was produced during Run.
	ErrVerificationFailed = errors.New("compaction: output verification failed")
)
