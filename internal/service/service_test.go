package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EPFLSWENT2024G1/partageix/internal/availability"
	"github.com/EPFLSWENT2024G1/partageix/internal/errs"
	"github.com/EPFLSWENT2024G1/partageix/internal/filter"
	"github.com/EPFLSWENT2024G1/partageix/internal/model"
	"github.com/EPFLSWENT2024G1/partageix/internal/service"
)

var now = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

func date(d int) time.Time {
	return time.Date(2024, time.January, d, 0, 0, 0, 0, time.UTC)
}

// fakeRepo is an in-memory storage collaborator. AcceptWithCancellations is
// atomic: it validates every transition against the current snapshot before
// applying any of them, and can be told to fail without side effects.
type fakeRepo struct {
	mu     sync.Mutex
	items  map[string]model.Item
	users  map[string]model.User
	loans  map[string]model.Loan
	order  []string
	nextID int
	failTx bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		items: make(map[string]model.Item),
		users: make(map[string]model.User),
		loans: make(map[string]model.Loan),
	}
}

func (r *fakeRepo) addItem(it model.Item)  { r.items[it.ID] = it }
func (r *fakeRepo) addUser(u model.User)   { r.users[u.ID] = u }
func (r *fakeRepo) addLoan(l model.Loan)   { r.loans[l.ID] = l; r.order = append(r.order, l.ID) }
func (r *fakeRepo) loan(id string) model.Loan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loans[id]
}

func (r *fakeRepo) GetItems(context.Context) ([]model.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Item, 0, len(r.items))
	for _, id := range sortedKeys(r.items) {
		out = append(out, r.items[id])
	}
	return out, nil
}

func (r *fakeRepo) GetItem(_ context.Context, itemID string) (model.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[itemID]
	if !ok {
		return model.Item{}, errs.ErrNotFound
	}
	return it, nil
}

func (r *fakeRepo) CreateItem(_ context.Context, req model.CreateItemRequest) (model.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	it := model.Item{
		ID: fmt.Sprintf("item-%d", r.nextID), CategoryID: req.CategoryID, Name: req.Name,
		Description: req.Description, Visibility: req.Visibility, Quantity: req.Quantity,
		Latitude: req.Latitude, Longitude: req.Longitude, OwnerID: req.OwnerID,
	}
	r.items[it.ID] = it
	return it, nil
}

func (r *fakeRepo) UpdateItem(_ context.Context, item model.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.items[item.ID]
	if !ok || existing.OwnerID != item.OwnerID {
		return errs.ErrNotFound
	}
	r.items[item.ID] = item
	return nil
}

func (r *fakeRepo) GetLoans(context.Context) ([]model.Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Loan, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.loans[id])
	}
	return out, nil
}

func (r *fakeRepo) GetLoan(_ context.Context, loanID string) (model.Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loans[loanID]
	if !ok {
		return model.Loan{}, errs.ErrNotFound
	}
	return l, nil
}

func (r *fakeRepo) GetLoansByItem(_ context.Context, itemID string) ([]model.Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Loan, 0)
	for _, id := range r.order {
		if r.loans[id].ItemID == itemID {
			out = append(out, r.loans[id])
		}
	}
	return out, nil
}

func (r *fakeRepo) GetLoansByParty(_ context.Context, userID string, asLender bool, states []model.LoanState) ([]model.Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Loan, 0)
	for _, id := range r.order {
		l := r.loans[id]
		party := l.BorrowerID
		if asLender {
			party = l.LenderID
		}
		if party != userID {
			continue
		}
		if len(states) > 0 && !containsState(states, l.State) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (r *fakeRepo) GetExpiredAccepted(context.Context) ([]model.Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Loan, 0)
	for _, id := range r.order {
		l := r.loans[id]
		if l.State == model.StateAccepted && l.EndDate.Before(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *fakeRepo) CreateLoan(_ context.Context, loan model.Loan) (model.Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	loan.ID = fmt.Sprintf("loan-%d", r.nextID)
	r.loans[loan.ID] = loan
	r.order = append(r.order, loan.ID)
	return loan, nil
}

func (r *fakeRepo) SetLoan(_ context.Context, loan model.Loan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.loans[loan.ID]; !ok {
		r.order = append(r.order, loan.ID)
	}
	r.loans[loan.ID] = loan
	return nil
}

func (r *fakeRepo) AcceptWithCancellations(_ context.Context, accepted model.Loan, cancelledIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failTx {
		return errors.Wrap(errs.ErrConflictResolve, "storage down")
	}
	current, ok := r.loans[accepted.ID]
	if !ok || current.State != model.StatePending {
		return errors.Wrapf(errs.ErrConflictResolve, "loan %s no longer PENDING", accepted.ID)
	}
	for _, id := range cancelledIDs {
		if l, ok := r.loans[id]; !ok || l.State != model.StatePending {
			return errors.Wrapf(errs.ErrConflictResolve, "loan %s no longer PENDING", id)
		}
	}
	current.State = model.StateAccepted
	r.loans[accepted.ID] = current
	for _, id := range cancelledIDs {
		l := r.loans[id]
		l.State = model.StateCancelled
		r.loans[id] = l
	}
	return nil
}

func (r *fakeRepo) GetUser(_ context.Context, userID string) (model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return model.User{}, errs.ErrNotFound
	}
	return u, nil
}

func containsState(states []model.LoanState, s model.LoanState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]model.Item) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	return keys
}

// captureEnqueuer records notifications; Enqueue is called from the
// dispatcher's async path, hence the lock.
type captureEnqueuer struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (c *captureEnqueuer) Enqueue(n model.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureEnqueuer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *captureEnqueuer) kinds() map[model.NotificationKind]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[model.NotificationKind]int)
	for _, n := range c.sent {
		out[n.Kind]++
	}
	return out
}

func newService(repo *fakeRepo, enq *captureEnqueuer) *service.Service {
	return service.NewService(repo, enq, zap.NewNop(),
		availability.WithClock(func() time.Time { return now }))
}

func seedConflictScenario(repo *fakeRepo) {
	repo.addUser(model.User{ID: "owner", Name: "Olivia"})
	repo.addUser(model.User{ID: "b1", Name: "Ben"})
	repo.addUser(model.User{ID: "b2", Name: "Bea"})
	repo.addUser(model.User{ID: "b3", Name: "Bob"})
	repo.addItem(model.Item{ID: "z", OwnerID: "owner", Name: "Projector", Quantity: 1, Visibility: model.VisibilityPublic})
	repo.addLoan(model.Loan{ID: "m1", ItemID: "z", LenderID: "owner", BorrowerID: "b1",
		StartDate: date(1), EndDate: date(5), State: model.StatePending})
	repo.addLoan(model.Loan{ID: "m2", ItemID: "z", LenderID: "owner", BorrowerID: "b2",
		StartDate: date(4), EndDate: date(10), State: model.StatePending})
	repo.addLoan(model.Loan{ID: "m3", ItemID: "z", LenderID: "owner", BorrowerID: "b3",
		StartDate: date(20), EndDate: date(25), State: model.StatePending})
}

func TestService_AcceptCancelsOverlappingPending(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	enq := &captureEnqueuer{}
	svc := newService(repo, enq)
	seedConflictScenario(repo)

	accepted, err := svc.Accept(context.Background(), "m1", "owner")
	require.NoError(t, err)
	require.Equal(t, model.StateAccepted, accepted.State)

	require.Equal(t, model.StateAccepted, repo.loan("m1").State)
	require.Equal(t, model.StateCancelled, repo.loan("m2").State)
	require.Equal(t, model.StatePending, repo.loan("m3").State)

	// one accept and one reject notification, asynchronously
	require.Eventually(t, func() bool { return enq.count() == 2 }, time.Second, 10*time.Millisecond)
	kinds := enq.kinds()
	require.Equal(t, 1, kinds[model.NotificationLoanAccepted])
	require.Equal(t, 1, kinds[model.NotificationLoanRejected])

	// item z is gone from availability for other would-be borrowers
	items, err := svc.ListAvailable(context.Background(), "b3", filter.Criteria{})
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestService_AcceptWrongActor(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := newService(repo, &captureEnqueuer{})
	seedConflictScenario(repo)

	_, err := svc.Accept(context.Background(), "m1", "b1")
	require.ErrorIs(t, err, errs.ErrIllegalTransition)
	require.Equal(t, model.StatePending, repo.loan("m1").State)
	require.Equal(t, model.StatePending, repo.loan("m2").State)
}

func TestService_AcceptAtomicity(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	enq := &captureEnqueuer{}
	svc := newService(repo, enq)
	seedConflictScenario(repo)
	repo.failTx = true

	_, err := svc.Accept(context.Background(), "m1", "owner")
	require.ErrorIs(t, err, errs.ErrConflictResolve)

	// nothing moved, nothing notified
	require.Equal(t, model.StatePending, repo.loan("m1").State)
	require.Equal(t, model.StatePending, repo.loan("m2").State)
	require.Zero(t, enq.count())

	// the caller may retry once storage recovers
	repo.failTx = false
	_, err = svc.Accept(context.Background(), "m1", "owner")
	require.NoError(t, err)
	require.Equal(t, model.StateAccepted, repo.loan("m1").State)
	require.Equal(t, model.StateCancelled, repo.loan("m2").State)
}

func TestService_ConcurrentAcceptsSerialized(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := newService(repo, &captureEnqueuer{})
	seedConflictScenario(repo)

	// m1 and m2 overlap; only one of two concurrent accepts can win
	var wg sync.WaitGroup
	errsCh := make(chan error, 2)
	for _, id := range []string{"m1", "m2"} {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Accept(context.Background(), id, "owner")
			errsCh <- err
		}()
	}
	wg.Wait()
	close(errsCh)

	var failures int
	for err := range errsCh {
		if err != nil {
			require.ErrorIs(t, err, errs.ErrIllegalTransition)
			failures++
		}
	}
	require.Equal(t, 1, failures)

	var acceptedCount int
	for _, id := range []string{"m1", "m2"} {
		if repo.loan(id).State == model.StateAccepted {
			acceptedCount++
		}
	}
	require.Equal(t, 1, acceptedCount)
}

func TestService_DeclineIsTerminal(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	enq := &captureEnqueuer{}
	svc := newService(repo, enq)
	seedConflictScenario(repo)

	declined, err := svc.Decline(context.Background(), "m3", "owner")
	require.NoError(t, err)
	require.Equal(t, model.StateCancelled, declined.State)

	// second decline of the same loan fails, state unchanged
	_, err = svc.Decline(context.Background(), "m3", "owner")
	require.ErrorIs(t, err, errs.ErrIllegalTransition)
	require.Equal(t, model.StateCancelled, repo.loan("m3").State)

	// the item is still available to others once nothing blocks it
	items, err := svc.ListAvailable(context.Background(), "b3", filter.Criteria{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "z", items[0].ID)
}

func TestService_Withdraw(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := newService(repo, &captureEnqueuer{})
	seedConflictScenario(repo)

	_, err := svc.Withdraw(context.Background(), "m1", "owner")
	require.ErrorIs(t, err, errs.ErrIllegalTransition)

	withdrawn, err := svc.Withdraw(context.Background(), "m1", "b1")
	require.NoError(t, err)
	require.Equal(t, model.StateCancelled, withdrawn.State)
}

func TestService_CreateLoanValidation(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := newService(repo, &captureEnqueuer{})
	seedConflictScenario(repo)

	mkReq := func(itemID, borrower string, from, till int) model.CreateLoanRequest {
		return model.CreateLoanRequest{
			ItemID:     itemID,
			BorrowerID: borrower,
			StartDate:  model.Date{Time: date(from)},
			EndDate:    model.Date{Time: date(till)},
		}
	}

	t.Run("ok", func(t *testing.T) {
		loan, err := svc.CreateLoan(context.Background(), mkReq("z", "b1", 2, 6))
		require.NoError(t, err)
		require.Equal(t, model.StatePending, loan.State)
		require.Equal(t, "owner", loan.LenderID)
	})

	t.Run("inverted range", func(t *testing.T) {
		_, err := svc.CreateLoan(context.Background(), mkReq("z", "b1", 6, 2))
		require.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("unknown item", func(t *testing.T) {
		_, err := svc.CreateLoan(context.Background(), mkReq("nope", "b1", 2, 6))
		require.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("self loan", func(t *testing.T) {
		_, err := svc.CreateLoan(context.Background(), mkReq("z", "owner", 2, 6))
		require.ErrorIs(t, err, errs.ErrValidation)
	})
}

func TestService_CreateLoanChecksCapacity(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := newService(repo, &captureEnqueuer{})
	seedConflictScenario(repo)

	// m1 (Jan 1-5) wins the projector, m2 is cancelled
	_, err := svc.Accept(context.Background(), "m1", "owner")
	require.NoError(t, err)

	mkReq := func(borrower string, from, till int) model.CreateLoanRequest {
		return model.CreateLoanRequest{
			ItemID:     "z",
			BorrowerID: borrower,
			StartDate:  model.Date{Time: date(from)},
			EndDate:    model.Date{Time: date(till)},
		}
	}

	_, err = svc.CreateLoan(context.Background(), mkReq("b3", 3, 8))
	require.ErrorIs(t, err, errs.ErrValidation)

	// outside the accepted window the single unit is free again
	loan, err := svc.CreateLoan(context.Background(), mkReq("b3", 6, 9))
	require.NoError(t, err)
	require.Equal(t, model.StatePending, loan.State)

	// a second unit absorbs an overlapping accepted loan
	repo.addItem(model.Item{ID: "y", OwnerID: "owner", Name: "Ladder", Quantity: 2, Visibility: model.VisibilityPublic})
	repo.addLoan(model.Loan{ID: "y1", ItemID: "y", LenderID: "owner", BorrowerID: "b1",
		StartDate: date(1), EndDate: date(10), State: model.StateAccepted})
	req := mkReq("b3", 3, 8)
	req.ItemID = "y"
	_, err = svc.CreateLoan(context.Background(), req)
	require.NoError(t, err)
}

func TestService_ConcurrentReviewsBothKept(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := newService(repo, &captureEnqueuer{})
	seedConflictScenario(repo)

	_, err := svc.Accept(context.Background(), "m1", "owner")
	require.NoError(t, err)
	_, err = svc.Finish(context.Background(), "m1")
	require.NoError(t, err)

	// lender and borrower review at the same time; neither write may be lost
	reviews := []struct {
		actor  string
		review string
	}{
		{"owner", "5"},
		{"b1", "4"},
	}
	var wg sync.WaitGroup
	errsCh := make(chan error, len(reviews))
	for _, rv := range reviews {
		rv := rv
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Review(context.Background(), "m1", rv.actor, model.ReviewRequest{Review: rv.review})
			errsCh <- err
		}()
	}
	wg.Wait()
	close(errsCh)
	for err := range errsCh {
		require.NoError(t, err)
	}

	final := repo.loan("m1")
	require.NotNil(t, final.ReviewByOwner)
	require.Equal(t, "5", *final.ReviewByOwner)
	require.NotNil(t, final.ReviewByBorrower)
	require.Equal(t, "4", *final.ReviewByBorrower)
}

func TestService_ListAvailableComposesFilter(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := newService(repo, &captureEnqueuer{})
	repo.addItem(model.Item{ID: "a", OwnerID: "owner", Name: "Drill", Quantity: 1, Visibility: model.VisibilityPublic})
	repo.addItem(model.Item{ID: "b", OwnerID: "owner", Name: "Tent", Quantity: 4, Visibility: model.VisibilityPublic})
	repo.addItem(model.Item{ID: "c", OwnerID: "u", Name: "Tent XL", Quantity: 4, Visibility: model.VisibilityPublic})

	items, err := svc.ListAvailable(context.Background(), "u", filter.Criteria{Query: "tent", MinQuantity: 2})
	require.NoError(t, err)
	// c is u's own item, a fails both criteria
	require.Len(t, items, 1)
	require.Equal(t, "b", items[0].ID)
}

func TestService_FinishAndReview(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := newService(repo, &captureEnqueuer{})
	seedConflictScenario(repo)

	_, err := svc.Accept(context.Background(), "m1", "owner")
	require.NoError(t, err)

	// review before finish is illegal
	_, err = svc.Review(context.Background(), "m1", "owner", model.ReviewRequest{Review: "5"})
	require.ErrorIs(t, err, errs.ErrIllegalTransition)

	finished, err := svc.Finish(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, model.StateFinished, finished.State)

	// finishing twice is a no-op error
	_, err = svc.Finish(context.Background(), "m1")
	require.ErrorIs(t, err, errs.ErrIllegalTransition)

	reviewed, err := svc.Review(context.Background(), "m1", "owner", model.ReviewRequest{Review: "5", Comment: "great borrower"})
	require.NoError(t, err)
	require.NotNil(t, reviewed.ReviewByOwner)
	require.Equal(t, "5", *reviewed.ReviewByOwner)

	reviewed, err = svc.Review(context.Background(), "m1", "b1", model.ReviewRequest{Review: "4"})
	require.NoError(t, err)
	require.NotNil(t, reviewed.ReviewByBorrower)

	_, err = svc.Review(context.Background(), "m1", "stranger", model.ReviewRequest{Review: "1"})
	require.ErrorIs(t, err, errs.ErrIllegalTransition)
}

func TestService_FinishExpired(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := newService(repo, &captureEnqueuer{})
	repo.addItem(model.Item{ID: "z", OwnerID: "owner", Quantity: 1, Visibility: model.VisibilityPublic})
	repo.addLoan(model.Loan{ID: "old", ItemID: "z", LenderID: "owner", BorrowerID: "b1",
		StartDate: time.Date(2023, time.December, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2023, time.December, 5, 0, 0, 0, 0, time.UTC),
		State:     model.StateAccepted})
	repo.addLoan(model.Loan{ID: "current", ItemID: "z", LenderID: "owner", BorrowerID: "b2",
		StartDate: date(1), EndDate: date(10), State: model.StateAccepted})

	n, err := svc.FinishExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, model.StateFinished, repo.loan("old").State)
	require.Equal(t, model.StateAccepted, repo.loan("current").State)
}

func TestService_RequestListings(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := newService(repo, &captureEnqueuer{})
	seedConflictScenario(repo)

	incoming, err := svc.IncomingRequests(context.Background(), "owner")
	require.NoError(t, err)
	require.Len(t, incoming, 3)
	require.Equal(t, "Projector", incoming[0].Item.Name)
	require.Equal(t, "Ben", incoming[0].User.Name)

	outgoing, err := svc.OutgoingRequests(context.Background(), "b2")
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	require.Equal(t, "m2", outgoing[0].Loan.ID)
	require.Equal(t, "Olivia", outgoing[0].User.Name)
}
