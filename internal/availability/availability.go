// Package availability decides which items a given user may currently
// request. It is pure: no mutation, no side effects, safe for concurrent use.
package availability

import (
	"time"

	"github.com/EPFLSWENT2024G1/partageix/internal/daterange"
	"github.com/EPFLSWENT2024G1/partageix/internal/model"
)

// FriendChecker resolves the friend graph for FRIENDS-visibility items.
// The graph is an external collaborator; the default implementation knows
// nobody, which excludes FRIENDS items entirely.
type FriendChecker interface {
	IsFriend(ownerID, userID string) bool
}

type noFriends struct{}

func (noFriends) IsFriend(string, string) bool { return false }

type Engine struct {
	friends FriendChecker
	now     func() time.Time
}

type Option func(*Engine)

func WithFriendChecker(fc FriendChecker) Option {
	return func(e *Engine) { e.friends = fc }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		friends: noFriends{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Available returns the items userID may request right now, in the same
// relative order as items. An item qualifies when it is not owned by the
// user, its visibility admits the user, and its still-relevant ACCEPTED
// loans do not occupy the full quantity on any upcoming day.
func (e *Engine) Available(items []model.Item, loans []model.Loan, userID string) []model.Item {
	today := daterange.Day(e.now())
	byItem := loansByItem(loans)

	out := make([]model.Item, 0, len(items))
	for _, it := range items {
		if it.OwnerID == userID {
			continue
		}
		if !e.visible(it, userID) {
			continue
		}
		if peakOccupancy(byItem[it.ID], today, daterange.Range{}) >= it.Quantity {
			continue
		}
		out = append(out, it)
	}
	return out
}

// AvailableForRange is Available with capacity evaluated against a specific
// requested range instead of the whole upcoming horizon. Used when
// validating a borrow request for concrete dates.
func (e *Engine) AvailableForRange(items []model.Item, loans []model.Loan, userID string, rng daterange.Range) []model.Item {
	today := daterange.Day(e.now())
	byItem := loansByItem(loans)

	out := make([]model.Item, 0, len(items))
	for _, it := range items {
		if it.OwnerID == userID {
			continue
		}
		if !e.visible(it, userID) {
			continue
		}
		if peakOccupancy(byItem[it.ID], today, rng) >= it.Quantity {
			continue
		}
		out = append(out, it)
	}
	return out
}

// HasCapacity reports whether item can take one more ACCEPTED loan over rng
// given the already committed loans.
func (e *Engine) HasCapacity(item model.Item, loans []model.Loan, rng daterange.Range) bool {
	today := daterange.Day(e.now())
	relevant := make([]model.Loan, 0, len(loans))
	for _, l := range loans {
		if l.ItemID == item.ID {
			relevant = append(relevant, l)
		}
	}
	return peakOccupancy(relevant, today, rng) < item.Quantity
}

func (e *Engine) visible(it model.Item, userID string) bool {
	switch it.Visibility {
	case model.VisibilityPublic:
		return true
	case model.VisibilityFriends:
		return e.friends.IsFriend(it.OwnerID, userID)
	default:
		return false
	}
}

func loansByItem(loans []model.Loan) map[string][]model.Loan {
	byItem := make(map[string][]model.Loan, len(loans))
	for _, l := range loans {
		byItem[l.ItemID] = append(byItem[l.ItemID], l)
	}
	return byItem
}

// peakOccupancy computes the maximum number of concurrently ACCEPTED loans
// on any single day at or after today, optionally restricted to the window
// of interest. A zero window means the whole upcoming horizon. Concurrency
// can only change at a loan's start day, so evaluating at each clipped start
// finds the peak.
func peakOccupancy(loans []model.Loan, today time.Time, window daterange.Range) int64 {
	restrict := !window.Start.IsZero()

	ranges := make([]daterange.Range, 0, len(loans))
	for _, l := range loans {
		if l.State != model.StateAccepted {
			continue
		}
		r := daterange.FromLoan(l.StartDate, l.EndDate)
		if r.End.Before(today) {
			continue
		}
		if restrict && !r.Overlaps(window) {
			continue
		}
		ranges = append(ranges, r)
	}

	var peak int64
	for _, r := range ranges {
		at := r.Start
		if at.Before(today) {
			at = today
		}
		if restrict && at.Before(window.Start) {
			at = window.Start
		}
		var count int64
		for _, other := range ranges {
			if other.Contains(at) {
				count++
			}
		}
		if count > peak {
			peak = count
		}
	}
	return peak
}
