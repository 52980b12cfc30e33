// Package feedback defines the domain model shared by the consolidation
// pipeline: raw observations, consolidated items (feedback and skills),
// lifecycle statuses, scopes, and the storage collaborator contracts.
//
// # Lifecycle
//
// Consolidated items move through four explicit states:
//
//	PENDING ──Upgrade──▶ CURRENT ──Upgrade──▶ ARCHIVED ──Upgrade──▶ deleted
//	                      ▲   │
//	            Downgrade │   │ Downgrade (via ARCHIVE_IN_PROGRESS)
//	                      │   ▼
//	                     ARCHIVED
//
// There is no implicit state: a missing status is an error, not CURRENT.
//
// # Scopes
//
// A Scope selects items by agent plus optional category and agent version.
// Transitions on disjoint scopes never interact.
package feedback
