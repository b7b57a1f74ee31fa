// Package pagestore defines the core identifiers, error taxonomy, and shared
// helpers used across the pagestore module: a content-addressed, versioned,
// branching key-value store built from an immutable object store, a
// persistent B-tree, a commit graph, a journal-based transaction engine, a
// branch tracker, and a merge resolver. Those pieces live in the
// objectstore, btreekv, commitgraph, journal, branchtracker, and
// mergeresolver subpackages; page assembles them behind the page-facing
// API described in the design documents.
//
// This package is foundational: UUID, Error, Priority, Status, the cache
// and encoding helpers, and the TaskRunner/retry/jitter utilities are used
// by every subpackage and are not meant to be re-implemented by them.
package pagestore

// Timeout model
//
// Operations that touch the object store are bounded by the caller-provided
// context deadline/cancellation, which propagates across subsystems. The
// TimedOut helper checks an operation-specific maximum duration as well,
// but no operation in this module calls it, so the context is the only
// bound applied.
