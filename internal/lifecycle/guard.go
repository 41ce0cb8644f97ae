// Package lifecycle holds the status finality guards for log records.
package lifecycle

import "github.com/joseph-ayodele/exchange-relay/constants"

// blocked maps a requested status to the current statuses that ignore it.
// REJECTED may replace FAILED but FAILED may not replace REJECTED.
var blocked = map[constants.Status][]constants.Status{
	constants.StatusSent: {
		constants.StatusAnswered, constants.StatusRejected, constants.StatusFailed,
		constants.StatusPosted, constants.StatusDelivered,
	},
	constants.StatusPosted: {
		constants.StatusAnswered, constants.StatusRejected, constants.StatusFailed,
		constants.StatusDelivered,
	},
	constants.StatusDelivered: {
		constants.StatusAnswered, constants.StatusRejected, constants.StatusFailed,
	},
	constants.StatusBusiness: {
		constants.StatusAnswered, constants.StatusRejected, constants.StatusFailed,
	},
	constants.StatusRejected: {
		constants.StatusAnswered,
	},
	constants.StatusFailed: {
		constants.StatusAnswered, constants.StatusRejected,
	},
}

// Blocked returns the current statuses under which requested is ignored.
// The result is a copy and may be passed straight into a NOT IN predicate.
func Blocked(requested constants.Status) []constants.Status {
	return append([]constants.Status(nil), blocked[requested]...)
}

// Allowed reports whether a record in status current may move to requested.
// An empty current status is treated as SENT.
func Allowed(current, requested constants.Status) bool {
	if current == "" {
		current = constants.StatusSent
	}
	for _, s := range blocked[requested] {
		if s == current {
			return false
		}
	}
	return true
}
