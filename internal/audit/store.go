package audit

import (
	"context"
	"time"
)

// Tail is the head of the chain: the highest sequence ever committed and
// its digest. An empty ledger has Sequence 0 and GenesisDigest. Purging
// entries never moves the tail.
type Tail struct {
	Sequence int64  `json:"sequence_id"`
	Digest   string `json:"digest"`
}

// Tombstone records an entry removed by retention. Tombstones keep the
// sequence space gap-free and carry the removed entry's digest so the chain
// can still be verified across the purged range.
type Tombstone struct {
	Sequence int64     `json:"sequence_id"`
	Digest   string    `json:"digest"`
	Policy   string    `json:"policy"`
	RunID    string    `json:"run_id"`
	PurgedAt time.Time `json:"purged_at"`
}

// Link is one position in the chain: exactly one of Entry or Tombstone is set.
type Link struct {
	Sequence  int64
	Entry     *Entry
	Tombstone *Tombstone
}

// Digest returns the digest occupying this position.
func (l Link) Digest() string {
	if l.Entry != nil {
		return l.Entry.Digest
	}
	if l.Tombstone != nil {
		return l.Tombstone.Digest
	}
	return ""
}

// SortField names the column a result set is ordered by.
type SortField string

const (
	SortCreatedAt SortField = "created_at"
	SortSeverity  SortField = "severity"
	SortAction    SortField = "action"
	SortSequence  SortField = "sequence_id"
)

// Window selects a slice of a filtered result set. A Limit of zero asks for
// the total count only.
type Window struct {
	Offset     int
	Limit      int
	Sort       SortField
	Descending bool
}

// PurgeBatch is one unit of work for the privileged retention path.
type PurgeBatch struct {
	Sequences []int64
	Policy    string
	RunID     string
}

// Store is durable, append-only persistence for entries.
//
// Implementations must reject any UPDATE or DELETE of a committed entry
// below the application layer (triggers or equivalent), surfacing
// ErrImmutabilityViolation. Purge is the only sanctioned removal.
type Store interface {
	// Tail returns the current chain head.
	Tail(ctx context.Context) (Tail, error)

	// Commit atomically persists a sealed entry and returns its sequence.
	// It fails with ErrChainConflict, persisting nothing, when
	// e.PreviousDigest is no longer the tail digest.
	Commit(ctx context.Context, e *Entry) (int64, error)

	// Get returns the entry at seq or ErrNotFound.
	Get(ctx context.Context, seq int64) (*Entry, error)

	// Find returns the entries matching f within w and the total number
	// of matches.
	Find(ctx context.Context, f Filter, w Window) ([]Entry, int64, error)

	// ScanChain returns up to limit chain positions with sequence > after,
	// in ascending order, entries and tombstones interleaved.
	ScanChain(ctx context.Context, after int64, limit int) ([]Link, error)

	// DigestAt returns the digest at seq, from the entry or its
	// tombstone, or ErrNotFound.
	DigestAt(ctx context.Context, seq int64) (string, error)

	// Purge removes the batch's entries in one transaction, leaving a
	// tombstone for each. Either every entry in the batch is purged or
	// none is.
	Purge(ctx context.Context, b PurgeBatch) (int, error)

	Close() error
}
