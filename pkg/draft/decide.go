package draft

import "time"

// Reactions is a snapshot of reviewer reaction tallies, excluding the bot's
// own seed reactions.
type Reactions struct {
	Approve int `json:"approve"`
	Reject  int `json:"reject"`
	Hold    int `json:"hold"`
	Edit    int `json:"edit"`
}

// Decide derives the next review status from a reaction snapshot and the
// review message's age. It returns false when the draft should stay as it is.
//
// A message older than maxAge is always rejected. Otherwise edit wins ties,
// approve needs a strict majority, reject wins the remaining ties and hold
// needs a strict majority.
func Decide(r Reactions, age, maxAge time.Duration) (Status, bool) {
	if age > maxAge {
		return Rejected, true
	}

	switch {
	case r.Edit > 0 && r.Edit >= max(r.Approve, r.Reject, r.Hold):
		return EditRequested, true
	case r.Approve > max(r.Reject, r.Hold, r.Edit):
		return Approved, true
	case r.Reject > 0 && r.Reject >= max(r.Approve, r.Hold, r.Edit):
		return Rejected, true
	case r.Hold > max(r.Approve, r.Reject, r.Edit):
		return Hold, true
	}
	return "", false
}
