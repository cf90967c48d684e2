package bridge

import (
	"errors"
	"fmt"
	"time"

	"bbsns.org/internal/timelock"
)

var (
	ErrNotPassed        = errors.New("bridge: proposal has not passed")
	ErrAlreadySubmitted = errors.New("bridge: proposal already submitted on-chain")
	ErrNotSubmitted     = errors.New("bridge: proposal has no on-chain transaction")
	ErrAlreadyExecuted  = errors.New("bridge: transaction already executed")
	ErrQuorumNotMet     = errors.New("bridge: on-chain confirmations below threshold")
	ErrBadSignature     = errors.New("bridge: typed-data signature does not verify")
)

// TimelockActiveError reports how long execution stays blocked.
type TimelockActiveError struct {
	Remaining time.Duration
}

func (e *TimelockActiveError) Error() string {
	return fmt.Sprintf("bridge: timelock active, %s remaining", timelock.Format(e.Remaining))
}

// RelayError wraps a failed on-chain relay with the operation that failed.
type RelayError struct {
	Op  string
	Err error
}

func (e *RelayError) Error() string { return fmt.Sprintf("bridge: relay %s: %v", e.Op, e.Err) }
func (e *RelayError) Unwrap() error { return e.Err }
