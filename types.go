package pagestore

// Priority is a hint for when an entry's value object must be available locally.
// EAGER values are expected to be pre-fetched (e.g. for watcher notifications);
// LAZY values may be fetched on demand.
type Priority int

const (
	// EAGER values are pre-fetched whenever the entry they belong to changes.
	EAGER Priority = iota
	// LAZY values are fetched on demand; a watcher notification may include
	// only the key and priority for a LAZY entry, deferring the byte fetch.
	LAZY
)

func (p Priority) String() string {
	if p == LAZY {
		return "LAZY"
	}
	return "EAGER"
}

// Status is an external status code as used by the page/snapshot API surface (spec §6.5).
type Status int

const (
	OK Status = iota
	IOError
	NotFound
	ReferenceNotFound
	KeyNotFound
	NoTransactionInProgress
	TransactionAlreadyInProgress
	InternalError
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case IOError:
		return "IO_ERROR"
	case NotFound:
		return "NOT_FOUND"
	case ReferenceNotFound:
		return "REFERENCE_NOT_FOUND"
	case KeyNotFound:
		return "KEY_NOT_FOUND"
	case NoTransactionInProgress:
		return "NO_TRANSACTION_IN_PROGRESS"
	case TransactionAlreadyInProgress:
		return "TRANSACTION_ALREADY_IN_PROGRESS"
	case InternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// ChangeSource identifies where a new commit came from, for commit-graph
// watcher notifications.
type ChangeSource int

const (
	// Local means the commit was produced by a journal commit on this process.
	Local ChangeSource = iota
	// Sync means the commit was ingested from an external synchronization
	// source. The core does not implement sync; it only needs to react to
	// commits arriving this way (spec §3, Head Set ownership item (c)).
	Sync
)
