package subscription

import "time"

// rank orders statuses by how much authority they carry in arbitration.
// Higher wins. Unknown statuses rank lowest so they never displace real state.
func rank(s Status) int {
	switch s {
	case StatusActive, StatusTrialing:
		return 3
	case StatusPastDue, StatusUnpaid, StatusIncomplete:
		return 2
	case StatusCanceled:
		return 1
	default:
		return 0
	}
}

// candidateEffectiveStatus mirrors SubscriptionRecord.EffectiveStatus for a
// not-yet-stored Candidate, so a scheduled cancellation ranks as usable
// instead of dropping straight to the canceled tier.
func candidateEffectiveStatus(c Candidate, now time.Time) Status {
	if c.Status == StatusCanceled && c.CancelAtPeriodEnd && c.CurrentPeriodEnd != nil && c.CurrentPeriodEnd.After(now) {
		return StatusActive
	}
	return c.Status
}

// Wins decides whether candidate should replace current. Pure, no I/O.
//
// Webhook delivery is not ordered: a subscription.updated carrying past_due
// can arrive after a checkout.session.completed that reads as active. Rank
// based arbitration keeps replays and reordering from flapping the record.
func Wins(current *SubscriptionRecord, candidate Candidate, now time.Time) bool {
	if current == nil {
		return true
	}

	curRank := rank(current.EffectiveStatus(now))
	candRank := rank(candidateEffectiveStatus(candidate, now))
	if candRank != curRank {
		return candRank > curRank
	}

	// Equal rank: prefer the record that knows more about the billing cycle
	curEnd := periodEnd(current.CurrentPeriodEnd)
	candEnd := periodEnd(candidate.CurrentPeriodEnd)
	if !candEnd.Equal(curEnd) {
		return candEnd.After(curEnd)
	}

	// Still tied: a candidate built from the processor's own subscription
	// object beats state synthesized from an unexpanded checkout session
	if candidate.Source != current.Source {
		return candidate.Source == SourceSubscription
	}

	// A full tie means equally authoritative data; take the candidate so a
	// later event with the same rank and period (e.g. a scheduled
	// cancellation of an active subscription) still lands. Replaying the
	// same candidate rewrites identical fields, so idempotency holds.
	return true
}

func periodEnd(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
