// Package store provides the durable keyed state used to make ticks
// idempotent across restarts: bid first-seen markers, submission retry
// state, withdrawal receipts, and the settlement cursor.
//
// Two drivers implement the same contract: a single-file JSON driver that
// atomically rewrites the whole map per write (write to .tmp, then rename),
// and a sqlite driver with one row per key for larger marker sets. Driver
// selection is startup configuration; semantics are identical.
package store

import "fmt"

// Store is a keyed persistent map with atomic single-key writes and prefix
// enumeration. A crash mid-Set must never leave a truncated or partially
// written value.
type Store interface {
	// Get returns the value for key; the boolean is false when absent.
	Get(key string) (string, bool, error)
	// Set durably writes key=value.
	Set(key, value string) error
	// Del removes key. Deleting an absent key is not an error.
	Del(key string) error
	// Keys returns every key beginning with prefix, sorted.
	Keys(prefix string) ([]string, error)
	Close() error
}

// Error wraps any driver failure so the orchestrator can classify it as
// fatal: no tick may proceed over a corrupt or inaccessible store.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("state store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("state store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Key prefixes. These four families are the entire persisted surface.
const (
	BidSubmittedPrefix  = "near_market_bid_submitted:"
	SubmitAttemptPrefix = "near_market_submit_attempt:"
	WithdrawnBidPrefix  = "near_market_withdrawn_bid:"
	SettlementCursorKey = "near_market_settlement_cursor"
)

// BidSubmittedKey marks the first observation of a pending bid on a job.
func BidSubmittedKey(jobID string) string { return BidSubmittedPrefix + jobID }

// SubmitAttemptKey holds the serialized retry state for one (job, bid).
func SubmitAttemptKey(jobID, bidID string) string {
	return SubmitAttemptPrefix + jobID + ":" + bidID
}

// WithdrawnBidKey records when a bid was withdrawn.
func WithdrawnBidKey(bidID string) string { return WithdrawnBidPrefix + bidID }
