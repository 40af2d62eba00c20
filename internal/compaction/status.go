package compaction

import "sync/atomic"

// firstError captures the first non-nil error reported to it, discarding
// every error reported afterward. Subcompaction workers run concurrently
// and each may fail independently; only the first failure matters for
// deciding whether the overall job succeeded, matching the pattern the
// teacher's parallel compaction runner already uses inline.
type firstError struct {
	err atomic.Pointer[error]
}

// Set records err if no error has been recorded yet. Safe for concurrent
// use by multiple goroutines.
func (f *firstError) Set(err error) {
	if err == nil {
		return
	}
	f.err.CompareAndSwap(nil, &err)
}

// Err returns the first error recorded, or nil if none was.
func (f *firstError) Err() error {
	if p := f.err.Load(); p != nil {
		return *p
	}
	return nil
}

// CancelToken is a shared, by-reference cancellation flag. A SubcompactionWorker
// polls it at least once per emitted key and at each output-file open; on
// observation it stops at the next key boundary rather than mid-entry.
type CancelToken struct {
	shuttingDown              atomic.Bool
	manualCompactionCancelled atomic.Bool
}

// Cancel marks the token as shutting down. Idempotent.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.shuttingDown.Store(true)
}

// CancelManual marks the token as a cancelled manual compaction, distinct
// from a full shutdown so callers can report Incomplete rather than
// ShutdownInProgress.
func (t *CancelToken) CancelManual() {
	if t == nil {
		return
	}
	t.manualCompactionCancelled.Store(true)
}

// ShuttingDown reports whether Cancel was called.
func (t *CancelToken) ShuttingDown() bool {
	return t != nil && t.shuttingDown.Load()
}

// ManualCompactionCancelled reports whether CancelManual was called.
func (t *CancelToken) ManualCompactionCancelled() bool {
	return t != nil && t.manualCompactionCancelled.Load()
}

// Cancelled reports whether either flag is set. A nil token is never
// cancelled, matching the default of "no cancellation configured".
func (t *CancelToken) Cancelled() bool {
	return t.ShuttingDown() || t.ManualCompactionCancelled()
}
