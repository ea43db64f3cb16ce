// Package lifecycle holds the loan state machine and the conflict selection
// rule. Every function is pure: it takes loan values and returns transitioned
// copies, leaving persistence and locking to the caller.
//
// Transitions: PENDING -> {ACCEPTED, CANCELLED}, ACCEPTED -> FINISHED.
// CANCELLED and FINISHED are terminal.
package lifecycle

import (
	"github.com/pkg/errors"

	"github.com/EPFLSWENT2024G1/partageix/internal/daterange"
	"github.com/EPFLSWENT2024G1/partageix/internal/errs"
	"github.com/EPFLSWENT2024G1/partageix/internal/model"
)

// ValidateCreate checks a borrow request against the item it targets.
// The date range itself is validated by daterange.New before this point.
func ValidateCreate(item model.Item, borrowerID string) error {
	if item.ID == "" {
		return errors.Wrap(errs.ErrValidation, "unknown item")
	}
	if item.OwnerID == borrowerID {
		return errors.Wrap(errs.ErrValidation, "cannot borrow own item")
	}
	return nil
}

// NewLoan builds the initial PENDING loan for a validated borrow request.
// The lender is always the item owner.
func NewLoan(item model.Item, borrowerID string, rng daterange.Range) model.Loan {
	return model.Loan{
		LenderID:   item.OwnerID,
		BorrowerID: borrowerID,
		ItemID:     item.ID,
		StartDate:  rng.Start,
		EndDate:    rng.End,
		State:      model.StatePending,
	}
}

// Accept transitions a PENDING loan to ACCEPTED. Only the lender may accept.
func Accept(loan model.Loan, actorID string) (model.Loan, error) {
	if loan.State != model.StatePending {
		return loan, errors.Wrapf(errs.ErrIllegalTransition, "accept from %s", loan.State)
	}
	if actorID != loan.LenderID {
		return loan, errors.Wrap(errs.ErrIllegalTransition, "only the lender may accept")
	}
	loan.State = model.StateAccepted
	return loan, nil
}

// Decline transitions a PENDING loan to CANCELLED on behalf of the lender.
func Decline(loan model.Loan, actorID string) (model.Loan, error) {
	if loan.State != model.StatePending {
		return loan, errors.Wrapf(errs.ErrIllegalTransition, "decline from %s", loan.State)
	}
	if actorID != loan.LenderID {
		return loan, errors.Wrap(errs.ErrIllegalTransition, "only the lender may decline")
	}
	loan.State = model.StateCancelled
	return loan, nil
}

// Withdraw transitions a PENDING loan to CANCELLED on behalf of the borrower.
func Withdraw(loan model.Loan, actorID string) (model.Loan, error) {
	if loan.State != model.StatePending {
		return loan, errors.Wrapf(errs.ErrIllegalTransition, "withdraw from %s", loan.State)
	}
	if actorID != loan.BorrowerID {
		return loan, errors.Wrap(errs.ErrIllegalTransition, "only the borrower may withdraw")
	}
	loan.State = model.StateCancelled
	return loan, nil
}

// Cancel transitions a PENDING loan to CANCELLED without an actor check.
// Used by conflict resolution, where the system cancels on the lender's
// behalf.
func Cancel(loan model.Loan) (model.Loan, error) {
	if loan.State != model.StatePending {
		return loan, errors.Wrapf(errs.ErrIllegalTransition, "cancel from %s", loan.State)
	}
	loan.State = model.StateCancelled
	return loan, nil
}

// Finish transitions an ACCEPTED loan to FINISHED. The trigger is external;
// this only validates that the transition is legal.
func Finish(loan model.Loan) (model.Loan, error) {
	if loan.State != model.StateAccepted {
		return loan, errors.Wrapf(errs.ErrIllegalTransition, "finish from %s", loan.State)
	}
	loan.State = model.StateFinished
	return loan, nil
}

// Conflicts selects every other loan that must be cancelled when accepted
// becomes ACCEPTED: same item, different id, still PENDING, and overlapping
// the accepted range. The selection is one snapshot computed up front and
// keyed by loan id; cancelling one candidate never affects the evaluation
// of another, and conflicts are only ever judged against the accepted loan.
func Conflicts(accepted model.Loan, others []model.Loan) []model.Loan {
	accRange := daterange.FromLoan(accepted.StartDate, accepted.EndDate)

	selected := make([]model.Loan, 0)
	for _, other := range others {
		if other.ItemID != accepted.ItemID || other.ID == accepted.ID {
			continue
		}
		if other.State != model.StatePending {
			continue
		}
		if accRange.Overlaps(daterange.FromLoan(other.StartDate, other.EndDate)) {
			selected = append(selected, other)
		}
	}
	return selected
}
