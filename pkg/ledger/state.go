package ledger

import "time"

// CanTransition reports whether a row in status from may move to status to.
// Canceled absorbs everything; every other status may move anywhere.
func CanTransition(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	if from.IsTerminal() {
		return to == from
	}
	return true
}

// gate returns the outcome that forbids applying an event created at `at`,
// or an empty outcome when the event may be applied.
func gate(sub *Subscription, at time.Time) Outcome {
	if sub.Status.IsTerminal() {
		return OutcomeTerminal
	}
	if !at.IsZero() && at.Before(sub.LastReconciledEventAt) {
		return OutcomeStale
	}
	return ""
}

// advance moves the ordering watermark forward, never backward
func advance(sub *Subscription, at time.Time) {
	if at.After(sub.LastReconciledEventAt) {
		sub.LastReconciledEventAt = at
	}
}

// applySnapshot overwrites the provider-owned fields of sub
func applySnapshot(sub *Subscription, snap Snapshot) {
	if snap.Status != "" && CanTransition(sub.Status, snap.Status) {
		sub.Status = snap.Status
	}
	if !snap.CurrentPeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = snap.CurrentPeriodEnd.UTC()
	}
	sub.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
	if snap.TrialEndsAt != nil {
		t := snap.TrialEndsAt.UTC()
		sub.TrialEndsAt = &t
	}
	if snap.CustomerID != "" {
		sub.ExternalCustomerID = snap.CustomerID
	}
	if sub.Status.IsTerminal() {
		sub.CancelAtPeriodEnd = false
	}
}

func cancel(sub *Subscription) {
	sub.Status = StatusCanceled
	sub.CancelAtPeriodEnd = false
}

// recoveredStatus is the status after a successful payment.
// Trialing rows stay trialing; zero-amount trial invoices also succeed.
func recoveredStatus(s Status) Status {
	switch s {
	case StatusPastDue, StatusUnpaid, StatusIncomplete:
		return StatusActive
	}
	return s
}
