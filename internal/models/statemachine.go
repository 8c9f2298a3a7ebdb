package models

import (
	pkgerrors "github.com/shopsphere/payment-engine/pkg/errors"
)

// Terminal states: no further business transition except the explicit
// refund/dispute progressions listed in allowedTransitions.
var terminalStatuses = map[Status]bool{
	StatusSuccess:   true,
	StatusFailed:    true,
	StatusCancelled: true,
	StatusExpired:   true,
	StatusRefunded:  true,
}

var allowedTransitions = map[Status][]Status{
	StatusInitiated: {
		StatusPending, StatusProcessing, StatusAuthorized, StatusCaptured,
		StatusSuccess, StatusFailed, StatusCancelled, StatusExpired,
	},
	StatusPending: {
		StatusProcessing, StatusAuthorized, StatusCaptured,
		StatusSuccess, StatusFailed, StatusCancelled, StatusExpired,
	},
	StatusProcessing: {
		StatusAuthorized, StatusCaptured, StatusSuccess,
		StatusFailed, StatusCancelled, StatusExpired,
	},
	StatusAuthorized: {
		StatusCaptured, StatusSuccess, StatusFailed, StatusExpired,
	},
	StatusCaptured: {
		StatusSuccess, StatusRefunded, StatusPartiallyRefunded, StatusDisputed,
	},
	StatusSuccess: {
		StatusRefunded, StatusPartiallyRefunded, StatusDisputed,
	},
	StatusPartiallyRefunded: {
		StatusRefunded, StatusDisputed,
	},
	StatusDisputed: {
		StatusRefunded,
	},
	// A technical failure may be reopened by reconciliation, but only into a
	// non-terminal state. Terminal-to-terminal jumps stay rejected.
	StatusFailed: {
		StatusProcessing,
	},
}

// Progression ranks for the happy path. The webhook path uses these to stay
// tolerant of out-of-order delivery: events mapping to an earlier rank than
// the current status are treated as idempotent confirmations.
var statusRank = map[Status]int{
	StatusInitiated:         0,
	StatusPending:           1,
	StatusProcessing:        2,
	StatusAuthorized:        3,
	StatusCaptured:          4,
	StatusSuccess:           5,
	StatusDisputed:          6,
	StatusPartiallyRefunded: 7,
	StatusRefunded:          8,
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// Rank returns the happy-path progression rank of s, or -1 for states that
// are not part of the forward progression (failed, cancelled, expired).
func Rank(s Status) int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// CanTransition validates a requested transition. It returns noop=true when
// the target equals the current status (idempotent), ErrConflictingTransition
// when a terminal status would be overwritten by a different terminal status,
// and ErrInvalidTransition for everything else not in the table.
func CanTransition(from, to Status) (noop bool, err error) {
	if from == to {
		return true, nil
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return false, nil
		}
	}
	if terminalStatuses[from] {
		return false, pkgerrors.ErrConflictingTransition
	}
	return false, pkgerrors.ErrInvalidTransition
}
