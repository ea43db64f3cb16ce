package service

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EPFLSWENT2024G1/partageix/internal/availability"
	"github.com/EPFLSWENT2024G1/partageix/internal/daterange"
	"github.com/EPFLSWENT2024G1/partageix/internal/errs"
	"github.com/EPFLSWENT2024G1/partageix/internal/filter"
	"github.com/EPFLSWENT2024G1/partageix/internal/lifecycle"
	"github.com/EPFLSWENT2024G1/partageix/internal/model"
	"github.com/EPFLSWENT2024G1/partageix/internal/notification"
	"github.com/EPFLSWENT2024G1/partageix/internal/repository"
)

// Service is the externally visible surface of the scheduling core. Reads
// are lock-free; every mutation of loans for one item runs under that item's
// lock, so two concurrent accepts for the same item are strictly ordered.
type Service struct {
	log      *zap.Logger
	repo     repository.Repository
	engine   *availability.Engine
	enqueuer notification.Enqueuer
	locks    *itemLocks
}

func NewService(repo repository.Repository, enqueuer notification.Enqueuer, log *zap.Logger, opts ...availability.Option) *Service {
	return &Service{
		log:      log,
		repo:     repo,
		engine:   availability.New(opts...),
		enqueuer: enqueuer,
		locks:    newItemLocks(),
	}
}

// ListAvailable returns the items userID may request, narrowed by criteria.
func (s *Service) ListAvailable(ctx context.Context, userID string, criteria filter.Criteria) ([]model.Item, error) {
	items, err := s.repo.GetItems(ctx)
	if err != nil {
		return nil, err
	}
	loans, err := s.repo.GetLoans(ctx)
	if err != nil {
		return nil, err
	}
	return filter.Apply(s.engine.Available(items, loans, userID), criteria), nil
}

// CreateLoan validates a borrow request and records it as PENDING. The
// requested range must leave at least one unit free of already ACCEPTED
// loans; the capacity check and the insert run under the item's lock so an
// accept in flight cannot slip between them.
func (s *Service) CreateLoan(ctx context.Context, req model.CreateLoanRequest) (model.Loan, error) {
	rng, err := daterange.New(req.StartDate.Time, req.EndDate.Time)
	if err != nil {
		return model.Loan{}, errors.Wrap(errs.ErrValidation, err.Error())
	}
	item, err := s.repo.GetItem(ctx, req.ItemID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.Loan{}, errors.Wrap(errs.ErrValidation, "unknown item")
		}
		return model.Loan{}, err
	}
	if err := lifecycle.ValidateCreate(item, req.BorrowerID); err != nil {
		return model.Loan{}, err
	}

	unlock := s.locks.lock(item.ID)
	defer unlock()

	loans, err := s.repo.GetLoansByItem(ctx, item.ID)
	if err != nil {
		return model.Loan{}, err
	}
	if !s.engine.HasCapacity(item, loans, rng) {
		return model.Loan{}, errors.Wrap(errs.ErrValidation, "no capacity for the requested dates")
	}
	return s.repo.CreateLoan(ctx, lifecycle.NewLoan(item, req.BorrowerID, rng))
}

// Accept transitions a PENDING loan to ACCEPTED and cancels every other
// PENDING loan on the same item whose range overlaps the accepted one. The
// accept and its cancellations land in a single storage transaction; on
// failure nothing is visible and the caller may retry.
func (s *Service) Accept(ctx context.Context, loanID, actorID string) (model.Loan, error) {
	loan, err := s.repo.GetLoan(ctx, loanID)
	if err != nil {
		return model.Loan{}, err
	}

	unlock := s.locks.lock(loan.ItemID)
	defer unlock()

	// re-read under the lock: the loan set may have moved since the lookup
	loans, err := s.repo.GetLoansByItem(ctx, loan.ItemID)
	if err != nil {
		return model.Loan{}, err
	}
	current, ok := findLoan(loans, loanID)
	if !ok {
		return model.Loan{}, errs.ErrNotFound
	}

	accepted, err := lifecycle.Accept(current, actorID)
	if err != nil {
		return model.Loan{}, err
	}

	conflicts := lifecycle.Conflicts(accepted, loans)
	cancelledIDs := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		cancelledIDs = append(cancelledIDs, c.ID)
	}

	if err := s.repo.AcceptWithCancellations(ctx, accepted, cancelledIDs); err != nil {
		return model.Loan{}, err
	}

	s.notify(notification.Accepted(accepted))
	for _, c := range conflicts {
		s.notify(notification.Rejected(c))
	}
	return accepted, nil
}

// Decline cancels a PENDING loan on behalf of the lender.
func (s *Service) Decline(ctx context.Context, loanID, actorID string) (model.Loan, error) {
	return s.cancel(ctx, loanID, actorID, lifecycle.Decline, true)
}

// Withdraw cancels a PENDING loan on behalf of the borrower.
func (s *Service) Withdraw(ctx context.Context, loanID, actorID string) (model.Loan, error) {
	return s.cancel(ctx, loanID, actorID, lifecycle.Withdraw, false)
}

func (s *Service) cancel(ctx context.Context, loanID, actorID string,
	transition func(model.Loan, string) (model.Loan, error), notifyBorrower bool) (model.Loan, error) {
	loan, err := s.repo.GetLoan(ctx, loanID)
	if err != nil {
		return model.Loan{}, err
	}

	unlock := s.locks.lock(loan.ItemID)
	defer unlock()

	current, err := s.repo.GetLoan(ctx, loanID)
	if err != nil {
		return model.Loan{}, err
	}
	cancelled, err := transition(current, actorID)
	if err != nil {
		return model.Loan{}, err
	}
	if err := s.repo.SetLoan(ctx, cancelled); err != nil {
		return model.Loan{}, err
	}
	if notifyBorrower {
		s.notify(notification.Rejected(cancelled))
	}
	return cancelled, nil
}

// Finish transitions an ACCEPTED loan to FINISHED. The trigger (sweep
// worker or an explicit call) is external; only the legality of the
// transition is enforced here.
func (s *Service) Finish(ctx context.Context, loanID string) (model.Loan, error) {
	loan, err := s.repo.GetLoan(ctx, loanID)
	if err != nil {
		return model.Loan{}, err
	}

	unlock := s.locks.lock(loan.ItemID)
	defer unlock()

	current, err := s.repo.GetLoan(ctx, loanID)
	if err != nil {
		return model.Loan{}, err
	}
	finished, err := lifecycle.Finish(current)
	if err != nil {
		return model.Loan{}, err
	}
	if err := s.repo.SetLoan(ctx, finished); err != nil {
		return model.Loan{}, err
	}
	return finished, nil
}

// FinishExpired finishes every ACCEPTED loan whose end date has passed and
// returns how many were transitioned.
func (s *Service) FinishExpired(ctx context.Context) (int, error) {
	expired, err := s.repo.GetExpiredAccepted(ctx)
	if err != nil {
		return 0, err
	}
	finished := 0
	for _, loan := range expired {
		if _, err := s.Finish(ctx, loan.ID); err != nil {
			s.log.Warn("FinishExpired", zap.String("loan", loan.ID), zap.Error(err))
			continue
		}
		finished++
	}
	return finished, nil
}

// IncomingRequests lists the PENDING loans awaiting a decision by userID as
// lender, joined with item and borrower details.
func (s *Service) IncomingRequests(ctx context.Context, userID string) ([]model.LoanDetails, error) {
	loans, err := s.repo.GetLoansByParty(ctx, userID, true, []model.LoanState{model.StatePending})
	if err != nil {
		return nil, err
	}
	return s.loanDetails(ctx, loans, false)
}

// OutgoingRequests lists the PENDING loans userID has requested as borrower,
// joined with item and lender details.
func (s *Service) OutgoingRequests(ctx context.Context, userID string) ([]model.LoanDetails, error) {
	loans, err := s.repo.GetLoansByParty(ctx, userID, false, []model.LoanState{model.StatePending})
	if err != nil {
		return nil, err
	}
	return s.loanDetails(ctx, loans, true)
}

// FinishedLoans lists the FINISHED loans userID took part in, on either side.
func (s *Service) FinishedLoans(ctx context.Context, userID string) ([]model.LoanDetails, error) {
	asLender, err := s.repo.GetLoansByParty(ctx, userID, true, []model.LoanState{model.StateFinished})
	if err != nil {
		return nil, err
	}
	asBorrower, err := s.repo.GetLoansByParty(ctx, userID, false, []model.LoanState{model.StateFinished})
	if err != nil {
		return nil, err
	}

	lenderDetails, err := s.loanDetails(ctx, asLender, false)
	if err != nil {
		return nil, err
	}
	borrowerDetails, err := s.loanDetails(ctx, asBorrower, true)
	if err != nil {
		return nil, err
	}
	return append(lenderDetails, borrowerDetails...), nil
}

// Review records a post-completion review on a FINISHED loan. The lender
// writes the owner fields, the borrower the borrower fields. The read and
// the write run under the item's lock so the two parties' reviews cannot
// overwrite each other.
func (s *Service) Review(ctx context.Context, loanID, actorID string, req model.ReviewRequest) (model.Loan, error) {
	loan, err := s.repo.GetLoan(ctx, loanID)
	if err != nil {
		return model.Loan{}, err
	}

	unlock := s.locks.lock(loan.ItemID)
	defer unlock()

	current, err := s.repo.GetLoan(ctx, loanID)
	if err != nil {
		return model.Loan{}, err
	}
	if current.State != model.StateFinished {
		return model.Loan{}, errors.Wrap(errs.ErrIllegalTransition, "review before loan finished")
	}
	switch actorID {
	case current.LenderID:
		current.ReviewByOwner = &req.Review
		current.CommentByOwner = &req.Comment
	case current.BorrowerID:
		current.ReviewByBorrower = &req.Review
		current.CommentByBorrower = &req.Comment
	default:
		return model.Loan{}, errors.Wrap(errs.ErrIllegalTransition, "not a party to this loan")
	}
	if err := s.repo.SetLoan(ctx, current); err != nil {
		return model.Loan{}, err
	}
	return current, nil
}

func (s *Service) CreateItem(ctx context.Context, req model.CreateItemRequest) (model.Item, error) {
	return s.repo.CreateItem(ctx, req)
}

func (s *Service) UpdateItem(ctx context.Context, item model.Item) error {
	return s.repo.UpdateItem(ctx, item)
}

func (s *Service) GetItem(ctx context.Context, itemID string) (model.Item, error) {
	return s.repo.GetItem(ctx, itemID)
}

// loanDetails joins loans with their item and counterpart user, fanning the
// two lookups out per loan.
func (s *Service) loanDetails(ctx context.Context, loans []model.Loan, counterpartIsLender bool) ([]model.LoanDetails, error) {
	details := make([]model.LoanDetails, len(loans))
	gg, ctx := errgroup.WithContext(ctx)
	for i, loan := range loans {
		i, loan := i, loan
		gg.Go(func() error {
			item, err := s.repo.GetItem(ctx, loan.ItemID)
			if err != nil {
				return err
			}
			counterpart := loan.BorrowerID
			if counterpartIsLender {
				counterpart = loan.LenderID
			}
			user, err := s.repo.GetUser(ctx, counterpart)
			if err != nil {
				return err
			}
			details[i] = model.LoanDetails{Loan: loan, Item: item, User: user}
			return nil
		})
	}
	if err := gg.Wait(); err != nil {
		return nil, err
	}
	return details, nil
}

// notify dispatches asynchronously; delivery failure is observability only.
func (s *Service) notify(n model.Notification) {
	go func() {
		if err := s.enqueuer.Enqueue(n); err != nil {
			s.log.Warn("notification enqueue", zap.String("target", n.TargetUserID), zap.Error(err))
		}
	}()
}

func findLoan(loans []model.Loan, id string) (model.Loan, bool) {
	for _, l := range loans {
		if l.ID == id {
			return l, true
		}
	}
	return model.Loan{}, false
}
