// Package operation tracks long-running batch operations and keeps the
// aggregator's checkpoints.
//
// # Operation documents
//
// Each (service, scope) key owns one State document:
//
//	IN_PROGRESS ──Finalize──▶ COMPLETED
//	     │
//	     ├──MarkFailed──▶ FAILED
//	     └──Status() after StaleAfter──▶ FAILED ("exceeded staleness threshold")
//
// Cancellation is cooperative: RequestCancellation sets a flag that the
// batch loop polls between units. A unit already running completes.
//
// # Checkpoints
//
// Each (kind, agent) has one checkpoint document holding every generation.
// A generation keeps one fingerprint ledger per clustering partition and one
// bookmark, the last processed source id, per run scope. A run over any
// scope reads the partitions it covers and replaces exactly those, so runs
// over nested scopes see the same ledger entries.
//
// The document also carries the progress markers of unfinished lifecycle
// transitions. Rotate moves generations and clears the marker in the same
// atomic write, through DocumentStore.UpdateDocument.
//
// Documents are JSON with a schema_version. Unknown fields are ignored,
// missing ones default, and a document that cannot be decoded is treated
// as absent.
package operation
