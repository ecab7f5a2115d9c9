// Package detect decides whether a probe result represents a
// notification-worthy transition for an account.
//
// Detection is monotonic: once an account has been notified as
// unlocked it is never reconsidered, and a later "locked" probe does not
// re-arm it. Only untracking the account everywhere prunes the cache entry
// (see store.RemoveAccount).
package detect

import "unlockbot/internal/probe"

// Decision is the outcome for one (account, probe result) pair.
type Decision struct {
	// Fire means: notify now, then mark the account unlocked in the store.
	// The caller must mark only after a confirmed delivery so a failed send
	// is retried on the next sweep.
	Fire bool
}

// Evaluate fires iff the probe reports unlocked and the cache does not
// already record the account as notified.
func Evaluate(alreadyUnlocked bool, res probe.Result) Decision {
	return Decision{Fire: res.Unlocked && !alreadyUnlocked}
}
