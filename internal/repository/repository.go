package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/EPFLSWENT2024G1/partageix/internal/errs"
	"github.com/EPFLSWENT2024G1/partageix/internal/model"
)

type Repository interface {
	GetItems(ctx context.Context) ([]model.Item, error)
	GetItem(ctx context.Context, itemID string) (model.Item, error)
	CreateItem(ctx context.Context, req model.CreateItemRequest) (model.Item, error)
	UpdateItem(ctx context.Context, item model.Item) error

	GetLoans(ctx context.Context) ([]model.Loan, error)
	GetLoan(ctx context.Context, loanID string) (model.Loan, error)
	GetLoansByItem(ctx context.Context, itemID string) ([]model.Loan, error)
	GetLoansByParty(ctx context.Context, userID string, asLender bool, states []model.LoanState) ([]model.Loan, error)
	GetExpiredAccepted(ctx context.Context) ([]model.Loan, error)
	CreateLoan(ctx context.Context, loan model.Loan) (model.Loan, error)
	SetLoan(ctx context.Context, loan model.Loan) error
	AcceptWithCancellations(ctx context.Context, accepted model.Loan, cancelledIDs []string) error

	GetUser(ctx context.Context, userID string) (model.User, error)
}

type repository struct {
	db  *sqlx.DB
	log *zap.Logger
}

func NewRepository(db *sqlx.DB, log *zap.Logger) (*repository, error) {
	return &repository{
		db:  db,
		log: log.Named("repo"),
	}, nil
}

const (
	itemsTableName      = `items`
	loansTableName      = `loans`
	usersTableName      = `users`
	categoriesTableName = `categories`
)

var qb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const (
	itemColumns = `i.id, i.category_id, c.name as category_name, i.name, i.description,
	i.visibility, i.quantity, i.latitude, i.longitude, i.owner_id`
	loanColumns = `id, lender_id, borrower_id, item_id, start_date, end_date, state,
	review_by_owner, review_by_borrower, comment_by_owner, comment_by_borrower`
)

func (r *repository) GetItems(ctx context.Context) ([]model.Item, error) {
	query, args, err := qb.Select(itemColumns).
		From(itemsTableName + " i").
		Join(categoriesTableName + " c on c.id = i.category_id").
		OrderBy("i.created_at").
		ToSql()
	if err != nil {
		return nil, err
	}
	var items []model.Item
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) GetItem(ctx context.Context, itemID string) (model.Item, error) {
	query, args, err := qb.Select(itemColumns).
		From(itemsTableName + " i").
		Join(categoriesTableName + " c on c.id = i.category_id").
		Where(sq.Eq{"i.id": itemID}).
		Limit(1).
		ToSql()
	if err != nil {
		return model.Item{}, err
	}
	var item model.Item
	if err := r.db.GetContext(ctx, &item, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Item{}, errs.ErrNotFound
		}
		return model.Item{}, err
	}
	return item, nil
}

func (r *repository) CreateItem(ctx context.Context, req model.CreateItemRequest) (model.Item, error) {
	query, args, err := qb.Insert(itemsTableName).
		Columns("id", "category_id", "name", "description", "visibility", "quantity", "latitude", "longitude", "owner_id").
		Values(uuid.New(), req.CategoryID, req.Name, req.Description, req.Visibility, req.Quantity, req.Latitude, req.Longitude, req.OwnerID).
		Suffix("returning id").
		ToSql()
	if err != nil {
		return model.Item{}, err
	}
	var id string
	if err := r.db.GetContext(ctx, &id, query, args...); err != nil {
		if isFKViolation(err) {
			return model.Item{}, errors.Wrap(errs.ErrValidation, "unknown category or owner")
		}
		r.log.Error("CreateItem", zap.String("q", query), zap.Any("args", args))
		return model.Item{}, err
	}
	return r.GetItem(ctx, id)
}

func (r *repository) UpdateItem(ctx context.Context, item model.Item) error {
	query, args, err := qb.Update(itemsTableName).
		Set("category_id", item.CategoryID).
		Set("name", item.Name).
		Set("description", item.Description).
		Set("visibility", item.Visibility).
		Set("quantity", item.Quantity).
		Set("latitude", item.Latitude).
		Set("longitude", item.Longitude).
		Where(sq.Eq{"id": item.ID, "owner_id": item.OwnerID}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *repository) GetLoans(ctx context.Context) ([]model.Loan, error) {
	query, args, err := qb.Select(loanColumns).
		From(loansTableName).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, err
	}
	var loans []model.Loan
	if err := r.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, err
	}
	return loans, nil
}

func (r *repository) GetLoan(ctx context.Context, loanID string) (model.Loan, error) {
	query, args, err := qb.Select(loanColumns).
		From(loansTableName).
		Where(sq.Eq{"id": loanID}).
		Limit(1).
		ToSql()
	if err != nil {
		return model.Loan{}, err
	}
	var loan model.Loan
	if err := r.db.GetContext(ctx, &loan, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Loan{}, errs.ErrNotFound
		}
		return model.Loan{}, err
	}
	return loan, nil
}

func (r *repository) GetLoansByItem(ctx context.Context, itemID string) ([]model.Loan, error) {
	query, args, err := qb.Select(loanColumns).
		From(loansTableName).
		Where(sq.Eq{"item_id": itemID}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, err
	}
	var loans []model.Loan
	if err := r.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, err
	}
	return loans, nil
}

func (r *repository) GetLoansByParty(ctx context.Context, userID string, asLender bool, states []model.LoanState) ([]model.Loan, error) {
	party := "borrower_id"
	if asLender {
		party = "lender_id"
	}
	q := qb.Select(loanColumns).
		From(loansTableName).
		Where(sq.Eq{party: userID}).
		OrderBy("created_at")
	if len(states) > 0 {
		q = q.Where(sq.Eq{"state": states})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var loans []model.Loan
	if err := r.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, err
	}
	return loans, nil
}

func (r *repository) GetExpiredAccepted(ctx context.Context) ([]model.Loan, error) {
	query, args, err := qb.Select(loanColumns).
		From(loansTableName).
		Where(sq.Eq{"state": model.StateAccepted}).
		Where("end_date < date(now())").
		ToSql()
	if err != nil {
		return nil, err
	}
	var loans []model.Loan
	if err := r.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, err
	}
	return loans, nil
}

func (r *repository) CreateLoan(ctx context.Context, loan model.Loan) (model.Loan, error) {
	query, args, err := qb.Insert(loansTableName).
		Columns("id", "lender_id", "borrower_id", "item_id", "start_date", "end_date", "state").
		Values(uuid.New(), loan.LenderID, loan.BorrowerID, loan.ItemID, loan.StartDate, loan.EndDate, loan.State).
		Suffix("returning " + loanColumns).
		ToSql()
	if err != nil {
		return model.Loan{}, err
	}
	var created model.Loan
	if err := r.db.GetContext(ctx, &created, query, args...); err != nil {
		if isFKViolation(err) {
			return model.Loan{}, errors.Wrap(errs.ErrValidation, "unknown item or user")
		}
		r.log.Error("CreateLoan", zap.String("q", query), zap.Any("args", args))
		return model.Loan{}, err
	}
	return created, nil
}

// SetLoan is an idempotent upsert keyed by loan id.
func (r *repository) SetLoan(ctx context.Context, loan model.Loan) error {
	query, args, err := qb.Insert(loansTableName).
		Columns("id", "lender_id", "borrower_id", "item_id", "start_date", "end_date", "state",
			"review_by_owner", "review_by_borrower", "comment_by_owner", "comment_by_borrower").
		Values(loan.ID, loan.LenderID, loan.BorrowerID, loan.ItemID, loan.StartDate, loan.EndDate, loan.State,
			loan.ReviewByOwner, loan.ReviewByBorrower, loan.CommentByOwner, loan.CommentByBorrower).
		Suffix(`on conflict (id) do update set
		state = excluded.state,
		review_by_owner = excluded.review_by_owner,
		review_by_borrower = excluded.review_by_borrower,
		comment_by_owner = excluded.comment_by_owner,
		comment_by_borrower = excluded.comment_by_borrower`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.log.Error("SetLoan", zap.String("q", query), zap.Any("args", args))
		return err
	}
	return nil
}

// AcceptWithCancellations persists an accept and its conflict cancellations
// as one transaction. Either every row is updated or none is; a partial
// failure rolls back so the accepted loan is never visible next to a still
// PENDING conflict.
func (r *repository) AcceptWithCancellations(ctx context.Context, accepted model.Loan, cancelledIDs []string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(errs.ErrConflictResolve, err.Error())
	}
	defer tx.Rollback() //nolint:errcheck

	if err := updateState(ctx, tx, accepted.ID, model.StatePending, model.StateAccepted); err != nil {
		return err
	}
	for _, id := range cancelledIDs {
		if err := updateState(ctx, tx, id, model.StatePending, model.StateCancelled); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errs.ErrConflictResolve, err.Error())
	}
	return nil
}

func updateState(ctx context.Context, tx *sqlx.Tx, loanID string, from, to model.LoanState) error {
	query, args, err := qb.Update(loansTableName).
		Set("state", to).
		Where(sq.Eq{"id": loanID, "state": from}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(errs.ErrConflictResolve, err.Error())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errs.ErrConflictResolve, "loan %s no longer %s", loanID, from)
	}
	return nil
}

func (r *repository) GetUser(ctx context.Context, userID string) (model.User, error) {
	query, args, err := qb.Select("id", "name", "address", "rank").
		From(usersTableName).
		Where(sq.Eq{"id": userID}).
		Limit(1).
		ToSql()
	if err != nil {
		return model.User{}, err
	}
	var user model.User
	if err := r.db.GetContext(ctx, &user, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, errs.ErrNotFound
		}
		return model.User{}, err
	}
	return user, nil
}

func isFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation
}
