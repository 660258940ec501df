package monitor

import "time"

// MinLead is the eligibility gate: items tracked with this much lead
// time or less before their in-effect instant get no reminder.
const MinLead = 48 * time.Hour

// Policy decides reminder eligibility and computes the dispatch
// instant: the calendar day before the in-effect date, at a
// configured local time.
type Policy struct {
	loc    *time.Location
	hour   int
	minute int
}

func NewPolicy(loc *time.Location, hour, minute int) Policy {
	if loc == nil {
		loc = time.UTC
	}
	return Policy{loc: loc, hour: hour, minute: minute}
}

// ReminderAt returns the reminder dispatch instant for an item
// tracked since trackedSince, or false when the lead time is too
// short. For manually registered items trackedSince is the
// registration instant, not the message creation time.
//
// The result may already be in the past relative to the wall clock;
// that is a valid state and the dispatcher delivers it on its next
// sweep.
func (p Policy) ReminderAt(trackedSince, inEffectAt time.Time) (time.Time, bool) {
	if inEffectAt.Sub(trackedSince) <= MinLead {
		return time.Time{}, false
	}
	d := inEffectAt.In(p.loc)
	return time.Date(d.Year(), d.Month(), d.Day()-1, p.hour, p.minute, 0, 0, p.loc), true
}
