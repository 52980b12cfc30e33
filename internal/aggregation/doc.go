// Package aggregation turns source items into consolidated items.
//
// A run of the Orchestrator goes through four steps:
//
//  1. Archive: cluster the source, classify the clusters against the
//     previous fingerprint ledger and move the items of vanished clusters
//     from CURRENT to ARCHIVED. CURRENT items no ledger entry references
//     are archived with them and offered as predecessors.
//  2. Synthesize: call the synthesizer once per changed cluster, in order of
//     smallest member id. Each call yields a ClusterOutcome.
//  3. Persist: save the produced items, then write the ledger and the last
//     processed id in one checkpoint.
//  4. Finalize: delete the archived copies. If step 3 fails, the saved
//     items are deleted and the archived ones restored instead, and the
//     run fails with ErrAborted.
//
// A run is refused while a lifecycle transition over an overlapping scope
// is unfinished.
//
// Feedback is aggregated from raw observations, skills from CURRENT
// feedback. BatchRunner runs several units under one tracked operation.
package aggregation
