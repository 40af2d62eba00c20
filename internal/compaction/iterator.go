// iterator.go implements CompactionIterator, the single forward-only pass
// that turns a merged stream of input versions into the stream of entries
// an output file should contain.
//
// Reference: RocksDB v10.7.5
//   - db/compaction/compaction_iterator.h
//   - db/compaction/compaction_iterator.cc
package compaction

import (
	"fmt"

	"github.com/riftdb/riftdb/internal/blob"
	"github.com/riftdb/riftdb/internal/dbformat"
	"github.com/riftdb/riftdb/internal/iterator"
	"github.com/riftdb/riftdb/internal/rangedel"
)

// CompactionIteratorStats accumulates the bookkeeping needed for
// CompactionJobStats and the Prometheus drop-reason counters.
type CompactionIteratorStats struct {
	FilteredRecords       uint64
	ChangedRecords        uint64
	MergedRecords         uint64
	ShadowedRecords       uint64 // superseded in the same snapshot stripe, or a tombstone dropped at the bottommost level
	RangeTombstoneDropped uint64
	SingleDeletesDropped  uint64
	BlobBytesRelocated    uint64
}

// SnapshotChecker decides whether a sequence number is visible to a given
// snapshot. The default rule is seq <= snapshot; a caller with different
// visibility semantics (e.g. a transaction observing its own uncommitted
// writes) may override it.
type SnapshotChecker interface {
	IsInSnapshot(seq, snapshot dbformat.SequenceNumber) bool
}

// CompactionIteratorOptions configures a CompactionIterator.
type CompactionIteratorOptions struct {
	Snapshots                    []dbformat.SequenceNumber
	Bottommost                   bool
	OutputLevel                  int
	Filter                       Filter
	MergeOperator                MergeOperator
	RangeDelAgg                  *rangedel.CompactionRangeDelAggregator
	BlobManager                  *blob.FileManager
	EnforceSingleDeleteContracts bool
	SnapshotChecker              SnapshotChecker
}

// entry is a staged (key, value) pair waiting to be returned by Key/Value.
type entry struct {
	key   []byte
	value []byte
}

// CompactionIterator wraps a merged stream of input internal keys and
// produces the collapsed stream a compaction should write out: one entry
// per (user key, snapshot stripe) at most, with filtered, merged, and
// tombstone-covered entries removed and oversized values replaced by a
// blob index when a BlobManager is configured.
type CompactionIterator struct {
	input iterator.Iterator
	opts  CompactionIteratorOptions

	valid bool
	cur   entry
	err   error

	// queued holds extra output entries produced by a single input group
	// (e.g. a merge chain without a merge operator emits every operand)
	// that haven't been returned yet.
	queued []entry

	// currentUserKey/keptStripe track the grouping state used to collapse
	// multiple versions of the same key within one snapshot stripe down
	// to the newest.
	currentUserKey []byte
	haveCurrentKey bool
	keptStripe     dbformat.SequenceNumber
	keptAnyStripe  bool

	Stats CompactionIteratorStats

	// BlobGarbage accumulates, per blob file number, the count and byte
	// size of TypeBlobIndex entries this iterator dropped rather than
	// carried into the output stream. A subcompaction rolls this into
	// its blobGarbage map once the iterator is exhausted.
	BlobGarbage map[uint64]*blobGarbageAccumulator
}

// NewCompactionIterator creates a CompactionIterator reading from input.
// SeekToFirst positions it at the first surviving entry.
func NewCompactionIterator(input iterator.Iterator, opts CompactionIteratorOptions) *CompactionIterator {
	return &CompactionIterator{
		input:       input,
		opts:        opts,
		BlobGarbage: make(map[uint64]*blobGarbageAccumulator),
	}
}

// recordBlobGarbage notes that internalKey/value is being dropped rather
// than emitted; if it is a TypeBlobIndex entry, the blob record it points
// to has just become garbage.
func (ci *CompactionIterator) recordBlobGarbage(internalKey, value []byte) {
	if dbformat.ExtractValueType(internalKey) != dbformat.TypeBlobIndex {
		return
	}
	idx, err := blob.DecodeBlobIndex(value)
	if err != nil {
		return
	}
	g := ci.BlobGarbage[idx.FileNumber]
	if g == nil {
		g = &blobGarbageAccumulator{}
		ci.BlobGarbage[idx.FileNumber] = g
	}
	g.count++
	g.bytes += idx.Size
}

// SeekToFirst positions the iterator at the first surviving entry.
func (ci *CompactionIterator) SeekToFirst() {
	ci.input.SeekToFirst()
	ci.advance()
}

// Valid reports whether Key/Value return a meaningful entry.
func (ci *CompactionIterator) Valid() bool {
	return ci.valid
}

// Key returns the internal key of the current surviving entry.
func (ci *CompactionIterator) Key() []byte {
	return ci.cur.key
}

// Value returns the value (or blob index) of the current surviving entry.
func (ci *CompactionIterator) Value() []byte {
	return ci.cur.value
}

// Next advances to the next surviving entry.
func (ci *CompactionIterator) Next() {
	ci.advance()
}

// Error returns the first error encountered, if any.
func (ci *CompactionIterator) Error() error {
	if ci.err != nil {
		return ci.err
	}
	return ci.input.Error()
}

// snapshotStripe mirrors CompactionRangeDelAggregator.snapshotStripe: the
// smallest active snapshot >= seq, or MaxSequenceNumber if seq postdates
// every snapshot.
func (ci *CompactionIterator) snapshotStripe(seq dbformat.SequenceNumber) dbformat.SequenceNumber {
	for _, s := range ci.opts.Snapshots {
		if ci.inSnapshot(seq, s) {
			return s
		}
	}
	return dbformat.MaxSequenceNumber
}

// inSnapshot reports whether seq is visible to snapshot, deferring to
// opts.SnapshotChecker when one is configured.
func (ci *CompactionIterator) inSnapshot(seq, snapshot dbformat.SequenceNumber) bool {
	if ci.opts.SnapshotChecker != nil {
		return ci.opts.SnapshotChecker.IsInSnapshot(seq, snapshot)
	}
	return seq <= snapshot
}

// earliestSnapshot returns the oldest active snapshot, or MaxSequenceNumber
// when there are none. A Deletion/SingleDeletion at the bottommost level is
// only safe to drop once its own sequence number is no newer than this: any
// snapshot older than the tombstone still needs it to keep shadowing
// whatever it covers.
func (ci *CompactionIterator) earliestSnapshot() dbformat.SequenceNumber {
	if len(ci.opts.Snapshots) == 0 {
		return dbformat.MaxSequenceNumber
	}
	earliest := ci.opts.Snapshots[0]
	for _, s := range ci.opts.Snapshots[1:] {
		if s < earliest {
			earliest = s
		}
	}
	return earliest
}

// advance produces the next surviving output entry, either from the queue
// left behind by the previous input group or by consuming more input.
func (ci *CompactionIterator) advance() {
	if len(ci.queued) > 0 {
		ci.cur = ci.queued[0]
		ci.queued = ci.queued[1:]
		ci.valid = true
		return
	}

	for ci.input.Valid() {
		internalKey := append([]byte{}, ci.input.Key()...)
		value := append([]byte{}, ci.input.Value()...)
		userKey := dbformat.ExtractUserKey(internalKey)
		seq := dbformat.ExtractSequenceNumber(internalKey)
		valueType := dbformat.ExtractValueType(internalKey)

		if !ci.haveCurrentKey || !bytesEqual(userKey, ci.currentUserKey) {
			ci.currentUserKey = append(ci.currentUserKey[:0], userKey...)
			ci.haveCurrentKey = true
			ci.keptAnyStripe = false
		}

		stripe := ci.snapshotStripe(seq)

		// A version shadowed by a newer version already kept in the same
		// snapshot stripe contributes nothing a reader could observe.
		if ci.keptAnyStripe && stripe == ci.keptStripe {
			ci.Stats.ShadowedRecords++
			ci.recordBlobGarbage(internalKey, value)
			ci.input.Next()
			continue
		}
		ci.keptStripe = stripe
		ci.keptAnyStripe = true

		if ci.opts.RangeDelAgg != nil && ci.opts.RangeDelAgg.ShouldDropKey(userKey, seq) {
			ci.Stats.RangeTombstoneDropped++
			ci.recordBlobGarbage(internalKey, value)
			ci.input.Next()
			continue
		}

		switch valueType {
		case dbformat.TypeSingleDeletion:
			if ci.handleSingleDelete(internalKey, userKey, value) {
				return
			}
			continue

		case dbformat.TypeDeletion:
			ci.input.Next()
			if ci.opts.Bottommost && seq <= ci.earliestSnapshot() {
				ci.Stats.ShadowedRecords++
				continue
			}
			if ci.applyFilterAndEmit(internalKey, userKey, value) {
				return
			}
			continue

		case dbformat.TypeMerge:
			if ci.handleMergeChain(userKey, seq, value, stripe) {
				return
			}
			continue

		default:
			ci.input.Next()
			if ci.applyFilterAndEmit(internalKey, userKey, value) {
				return
			}
			continue
		}
	}

	ci.valid = false
}

// handleSingleDelete resolves a SingleDeletion against the immediately
// following input entry. A SingleDelete cancels exactly one preceding Put
// for the same user key. With enforcement enabled, a same-key follower
// that is not a Put, or more than one same-key Put, fails the
// subcompaction. With enforcement disabled, extra Puts after the matched
// one are counted and dropped, while a non-Put follower leaves the
// SingleDelete to be emitted and is not counted. A SingleDelete with no
// same-key follower is emitted, or counted and dropped at the bottommost
// level when no snapshot is older than it.
func (ci *CompactionIterator) handleSingleDelete(internalKey, userKey, value []byte) bool {
	ci.input.Next()
	matched := false
	if ci.input.Valid() {
		nextKey := ci.input.Key()
		nextUserKey := dbformat.ExtractUserKey(nextKey)
		if bytesEqual(nextUserKey, userKey) {
			nextType := dbformat.ExtractValueType(nextKey)
			if nextType == dbformat.TypeValue || nextType == dbformat.TypeBlobIndex {
				nextValue := append([]byte{}, ci.input.Value()...)
				ci.recordBlobGarbage(nextKey, nextValue)
				ci.input.Next() // consume the paired Put
				matched = true
			} else if ci.opts.EnforceSingleDeleteContracts {
				ci.err = fmt.Errorf(
					"compaction: SingleDelete contract violated for key %q: followed by value type %d, not a single Put",
					userKey, dbformat.ExtractValueType(nextKey))
				ci.valid = false
				return true
			}
		}
	}

	if matched {
		ci.Stats.SingleDeletesDropped++
		// A further version still waiting for the same user key means the
		// SingleDelete actually shadowed more than one Put: a 2+-match
		// contract violation.
		if ci.input.Valid() && bytesEqual(dbformat.ExtractUserKey(ci.input.Key()), userKey) {
			if ci.opts.EnforceSingleDeleteContracts {
				ci.err = fmt.Errorf(
					"compaction: SingleDelete contract violated for key %q: matched by more than one Put", userKey)
				ci.valid = false
				return true
			}
			for ci.input.Valid() && bytesEqual(dbformat.ExtractUserKey(ci.input.Key()), userKey) {
				ci.Stats.SingleDeletesDropped++
				ci.input.Next()
			}
		}
		ci.keptAnyStripe = false
		return false
	}

	if ci.opts.Bottommost && dbformat.ExtractSequenceNumber(internalKey) <= ci.earliestSnapshot() {
		ci.Stats.SingleDeletesDropped++
		return false
	}
	return ci.emit(internalKey, value)
}

// handleMergeChain accumulates consecutive Merge operands for userKey
// within the same snapshot stripe, then resolves them against the
// configured MergeOperator (or, with none configured, emits the base value
// and every operand unmodified under their original internal keys).
func (ci *CompactionIterator) handleMergeChain(userKey []byte, firstSeq dbformat.SequenceNumber, firstValue []byte, stripe dbformat.SequenceNumber) bool {
	type operand struct {
		seq   dbformat.SequenceNumber
		value []byte
	}
	operands := []operand{{seq: firstSeq, value: firstValue}}
	var baseValue []byte
	var baseSeq dbformat.SequenceNumber
	hasBase := false
	isDeleted := false

	for {
		ci.input.Next()
		if !ci.input.Valid() {
			break
		}
		nk := ci.input.Key()
		nu := dbformat.ExtractUserKey(nk)
		if !bytesEqual(nu, userKey) {
			break
		}
		nseq := dbformat.ExtractSequenceNumber(nk)
		if ci.snapshotStripe(nseq) != stripe {
			break
		}
		nt := dbformat.ExtractValueType(nk)
		nv := append([]byte{}, ci.input.Value()...)
		switch nt {
		case dbformat.TypeMerge:
			operands = append(operands, operand{seq: nseq, value: nv})
			continue
		case dbformat.TypeValue:
			baseValue, baseSeq, hasBase = nv, nseq, true
			ci.input.Next()
		case dbformat.TypeDeletion, dbformat.TypeSingleDeletion:
			isDeleted = true
			ci.input.Next()
		}
		break
	}

	if isDeleted {
		ci.Stats.ShadowedRecords += uint64(len(operands))
		ci.keptAnyStripe = false
		return false
	}

	if ci.opts.MergeOperator != nil {
		reversed := make([][]byte, len(operands))
		for i, op := range operands {
			reversed[len(operands)-1-i] = op.value
		}
		var existing []byte
		if hasBase {
			existing = baseValue
		}
		if merged, ok := ci.opts.MergeOperator.FullMerge(userKey, existing, reversed); ok {
			ci.Stats.MergedRecords += uint64(len(operands))
			key := dbformat.NewInternalKey(userKey, operands[0].seq, dbformat.TypeValue)
			return ci.applyFilterAndEmit(key, userKey, merged)
		}
	}

	// No merge operator, or it declined: carry every entry forward
	// unmodified so the read path can still resolve the chain later.
	var staged []entry
	for _, op := range operands {
		key := dbformat.NewInternalKey(userKey, op.seq, dbformat.TypeMerge)
		staged = append(staged, entry{key: key, value: op.value})
	}
	if hasBase {
		key := dbformat.NewInternalKey(userKey, baseSeq, dbformat.TypeValue)
		staged = append(staged, entry{key: key, value: baseValue})
	}
	if len(staged) == 0 {
		return false
	}
	ci.queued = staged[1:]
	return ci.emit(staged[0].key, staged[0].value)
}

// applyFilterAndEmit runs the configured Filter (if any) and, for
// surviving Put values large enough, relocates the value into a blob file
// before emitting. Returns true if an entry was staged for output.
func (ci *CompactionIterator) applyFilterAndEmit(internalKey, userKey, value []byte) bool {
	valueType := dbformat.ExtractValueType(internalKey)

	if ci.opts.Filter != nil && valueType == dbformat.TypeValue {
		decision, newValue := ci.opts.Filter.Filter(ci.opts.OutputLevel, userKey, value)
		switch decision {
		case FilterRemove:
			ci.Stats.FilteredRecords++
			return false
		case FilterChange:
			value = newValue
			ci.Stats.ChangedRecords++
		}
	}

	if valueType == dbformat.TypeValue && ci.opts.BlobManager != nil && ci.opts.BlobManager.ShouldStoreInBlob(value) {
		idx, err := ci.opts.BlobManager.StoreBlob(userKey, value)
		if err != nil {
			ci.err = fmt.Errorf("relocate value to blob file: %w", err)
			ci.valid = false
			return false
		}
		ci.Stats.BlobBytesRelocated += uint64(len(value))
		blobKey := dbformat.NewInternalKey(userKey, dbformat.ExtractSequenceNumber(internalKey), dbformat.TypeBlobIndex)
		return ci.emit(blobKey, idx)
	}

	return ci.emit(internalKey, value)
}

func (ci *CompactionIterator) emit(key, value []byte) bool {
	ci.cur = entry{key: key, value: value}
	ci.valid = true
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
