// boundary.go implements BoundaryPlanner, which divides a compaction's key
// range into roughly equal-sized subranges so subcompactions can run on
// disjoint key ranges in parallel.
//
// Reference: RocksDB v10.7.5
//   - db/compaction/compaction_job.cc (GenSubcompactionBoundaries)
package compaction

import (
	"bytes"

	"github.com/riftdb/riftdb/internal/dbformat"
)

// ApproximateSizeFunc estimates the byte size of data in levels
// [levelLo, levelHi] whose key range intersects [keyA, keyB]. Satisfied by
// a closure over version.VersionSet.ApproximateSize bound to the version
// this compaction was planned against.
type ApproximateSizeFunc func(keyA, keyB []byte, levelLo, levelHi int) uint64

// BoundaryPlanner partitions a compaction's key range into user-key
// boundaries sized by actual data volume rather than by file count, so
// each subcompaction does roughly the same amount of work.
type BoundaryPlanner struct {
	approximateSize   ApproximateSizeFunc
	maxSubcompactions int
}

// NewBoundaryPlanner creates a BoundaryPlanner. approximateSize may be nil,
// in which case Plan falls back to even division by input file boundary
// count (the teacher's original strategy) instead of data volume.
func NewBoundaryPlanner(approximateSize ApproximateSizeFunc, maxSubcompactions int) *BoundaryPlanner {
	if maxSubcompactions <= 0 {
		maxSubcompactions = 1
	}
	if maxSubcompactions > 16 {
		maxSubcompactions = 16
	}
	return &BoundaryPlanner{approximateSize: approximateSize, maxSubcompactions: maxSubcompactions}
}

// Plan returns the ascending user-key boundaries splitting c's key range
// into at most p.maxSubcompactions partitions. A result of length <= 2
// means the range isn't worth splitting; callers should run a single
// (sub)compaction instead.
func (p *BoundaryPlanner) Plan(c *Compaction) [][]byte {
	boundaries := p.collectFileBoundaries(c)
	if len(boundaries) <= 2 || p.maxSubcompactions <= 1 {
		return boundaries
	}

	if p.approximateSize == nil {
		return evenlySpaced(boundaries, p.maxSubcompactions)
	}
	return p.sizeWeightedSpaced(c, boundaries)
}

// collectFileBoundaries gathers the distinct user-key boundaries across
// every input file plus the compaction's overall smallest/largest key, in
// ascending order.
func (p *BoundaryPlanner) collectFileBoundaries(c *Compaction) [][]byte {
	var boundaries [][]byte
	seen := make(map[string]bool)

	add := func(internalKey []byte) {
		if len(internalKey) == 0 {
			return
		}
		userKey := dbformat.ExtractUserKey(internalKey)
		if len(userKey) == 0 {
			return
		}
		k := string(userKey)
		if seen[k] {
			return
		}
		seen[k] = true
		boundaries = append(boundaries, append([]byte(nil), userKey...))
	}

	add(c.SmallestKey)
	add(c.LargestKey)
	for _, input := range c.Inputs {
		for _, f := range input.Files {
			add(f.Smallest)
			add(f.Largest)
		}
	}

	bytesSortBoundaries(boundaries)
	return boundaries
}

// sizeWeightedSpaced picks boundaries so each resulting partition covers
// roughly the same ApproximateSize, matching GenSubcompactionBoundaries'
// use of Version::ApproximateSize instead of a naive positional split.
//
// target_subs is capped not just by candidate-range count and
// max_subcompactions but also by ceil(sum / (0.8 * max_output_file_size)):
// a subcompaction's output is only worth its own goroutine and output file
// if it's expected to fill a large fraction of one output file, so this
// keeps the planner from carving out many small, barely-parallel ranges.
func (p *BoundaryPlanner) sizeWeightedSpaced(c *Compaction, boundaries [][]byte) [][]byte {
	lo, hi := levelSpan(c)
	candidateRanges := len(boundaries) - 1

	total := p.approximateSize(boundaries[0], boundaries[len(boundaries)-1], lo, hi)
	if total == 0 {
		return evenlySpaced(boundaries, p.maxSubcompactions)
	}

	targetSubs := p.maxSubcompactions
	if candidateRanges < targetSubs {
		targetSubs = candidateRanges
	}
	if maxFileSize := c.MaxOutputFileSize; maxFileSize > 0 {
		denom := uint64(float64(maxFileSize) * 0.8)
		if denom == 0 {
			denom = 1
		}
		bySize := int((total + denom - 1) / denom) // ceil(total / denom)
		if bySize < targetSubs {
			targetSubs = bySize
		}
	}
	if targetSubs <= 1 {
		return [][]byte{boundaries[0], boundaries[len(boundaries)-1]}
	}

	target := total / uint64(targetSubs)
	if target == 0 {
		return evenlySpaced(boundaries, targetSubs)
	}

	result := [][]byte{boundaries[0]}
	sizeSinceLastBoundary := uint64(0)
	for i := 1; i < len(boundaries); i++ {
		sizeSinceLastBoundary += p.approximateSize(boundaries[i-1], boundaries[i], lo, hi)
		if sizeSinceLastBoundary >= target && len(result) < targetSubs {
			result = append(result, boundaries[i])
			sizeSinceLastBoundary = 0
		}
	}
	if !bytes.Equal(result[len(result)-1], boundaries[len(boundaries)-1]) {
		result = append(result, boundaries[len(boundaries)-1])
	}
	return result
}

// levelSpan returns the inclusive level range a compaction's input and
// output occupy, for querying ApproximateSize.
func levelSpan(c *Compaction) (lo, hi int) {
	lo = c.OutputLevel
	hi = c.OutputLevel
	for _, input := range c.Inputs {
		if input.Level < lo {
			lo = input.Level
		}
		if input.Level > hi {
			hi = input.Level
		}
	}
	return lo, hi
}

// evenlySpaced reduces boundaries to at most max+1 entries taken at even
// strides, always keeping the first and last boundary.
func evenlySpaced(boundaries [][]byte, max int) [][]byte {
	if len(boundaries) <= max+1 {
		return boundaries
	}
	step := (len(boundaries) - 1 + max - 1) / max // ceil((n-1) / max)
	if step == 0 {
		step = 1
	}
	var reduced [][]byte
	for i := 0; i < len(boundaries); i += step {
		reduced = append(reduced, boundaries[i])
	}
	if !bytes.Equal(reduced[len(reduced)-1], boundaries[len(boundaries)-1]) {
		reduced = append(reduced, boundaries[len(boundaries)-1])
	}
	return reduced
}

// bytesSortBoundaries sorts user-key boundaries ascending.
func bytesSortBoundaries(boundaries [][]byte) {
	n := len(boundaries)
	for i := 0; i < n-1; i++ {
		for j := 0; j < n-i-1; j++ {
			if bytes.Compare(boundaries[j], boundaries[j+1]) > 0 {
				boundaries[j], boundaries[j+1] = boundaries[j+1], boundaries[j]
			}
		}
	}
}
