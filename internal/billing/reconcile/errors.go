package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingMetadata means an authentic event lacks a correlation id it needs.
	ErrMissingMetadata = errors.New("missing metadata")
	// ErrUnknownAccount means the event names a coach that does not exist.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrMalformedEvent means a handled event type carried an undecodable payload.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrPersistence wraps datastore failures.
	ErrPersistence = errors.New("persistence failure")
	// ErrProvider wraps failed calls to the payment provider API.
	ErrProvider = errors.New("payment provider failure")
)

func missing(key string) error {
	return fmt.Errorf("%w: %s", ErrMissingMetadata, key)
}

func persistence(err error) error {
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

// classified reports whether err already carries one of the sentinels above.
func classified(err error) bool {
	for _, target := range []error{ErrMissingMetadata, ErrUnknownAccount, ErrMalformedEvent, ErrPersistence, ErrProvider} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Outcome classifies a successfully acknowledged event.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate: the event id was applied before.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeNoChange: stored state already reflects the event.
	OutcomeNoChange Outcome = "no_change"
	// OutcomeIgnored: nothing in the event concerns this service.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeNoMatchingSlot: a cancellation matched none of the coach's slots.
	OutcomeNoMatchingSlot Outcome = "no_matching_slot"
	// OutcomeRecordFailed: a terminal payment could not be stored. The charge
	// already happened at the provider, so the event is still acknowledged.
	OutcomeRecordFailed Outcome = "record_failed"
)
