package handler

import (
	"context"

	"github.com/EPFLSWENT2024G1/partageix/internal/filter"
	"github.com/EPFLSWENT2024G1/partageix/internal/model"
	"github.com/EPFLSWENT2024G1/partageix/internal/service"
)

//go:generate go run github.com/golang/mock/mockgen -source=service.go -destination=mocks/mock.go

type LoanService interface {
	ListAvailable(ctx context.Context, userID string, criteria filter.Criteria) ([]model.Item, error)
	CreateLoan(ctx context.Context, req model.CreateLoanRequest) (model.Loan, error)
	Accept(ctx context.Context, loanID, actorID string) (model.Loan, error)
	Decline(ctx context.Context, loanID, actorID string) (model.Loan, error)
	Withdraw(ctx context.Context, loanID, actorID string) (model.Loan, error)
	Finish(ctx context.Context, loanID string) (model.Loan, error)
	Review(ctx context.Context, loanID, actorID string, req model.ReviewRequest) (model.Loan, error)
	IncomingRequests(ctx context.Context, userID string) ([]model.LoanDetails, error)
	OutgoingRequests(ctx context.Context, userID string) ([]model.LoanDetails, error)
	FinishedLoans(ctx context.Context, userID string) ([]model.LoanDetails, error)
	CreateItem(ctx context.Context, req model.CreateItemRequest) (model.Item, error)
	UpdateItem(ctx context.Context, item model.Item) error
	GetItem(ctx context.Context, itemID string) (model.Item, error)
}

var _ LoanService = (*service.Service)(nil)
