// installer.go implements the Installer step of a compaction job: building
// the single VersionEdit that records a compaction's effect on the LSM
// tree and submitting it through VersionSet.LogAndApply.
//
// Reference: RocksDB v10.7.5
//   - db/compaction/compaction_job.cc (CompactionJob::Install)
//   - db/version_set.cc (VersionSet::LogAndApply)
package compaction

import (
	"github.com/cockroachdb/errors"

	"github.com/riftdb/riftdb/internal/manifest"
)

// compactionInstaller builds and submits the VersionEdit for a finished
// compaction job.
type compactionInstaller struct {
	job *CompactionJob
}

func newInstaller(j *CompactionJob) *compactionInstaller {
	return &compactionInstaller{job: j}
}

// Install records every input-file deletion, output-file addition, and
// blob-file addition/garbage delta produced by the job's subcompactions
// into a single VersionEdit, then submits it through the job's Installer.
func (in *compactionInstaller) Install() error {
	c := in.job.compaction
	edit := c.Edit

	c.AddInputDeletions()

	for _, meta := range in.job.outputFiles {
		edit.AddFile(c.OutputLevel, meta)
	}

	for _, sub := range in.job.subs {
		edit.BlobFileAdditions = append(edit.BlobFileAdditions, sub.blobAdditions...)
		for fileNum, g := range sub.blobGarbage {
			edit.AddBlobFileGarbage(manifest.BlobFileGarbageDelta{
				BlobFileNumber:   fileNum,
				GarbageBlobCount: g.count,
				GarbageBlobBytes: g.bytes,
			})
		}
	}

	if in.job.installer == nil {
		return nil
	}
	if err := in.job.installer.LogAndApply(edit); err != nil {
		return errors.Wrapf(ErrIOError, "install compaction result: %v", err)
	}
	return nil
}
