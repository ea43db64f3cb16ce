package model

import (
	"strings"
	"time"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityFriends Visibility = "FRIENDS"
	VisibilityPrivate Visibility = "PRIVATE"
)

type LoanState string

const (
	StatePending   LoanState = "PENDING"
	StateAccepted  LoanState = "ACCEPTED"
	StateCancelled LoanState = "CANCELLED"
	StateFinished  LoanState = "FINISHED"
)

// Terminal reports whether no further transition is permitted from s.
func (s LoanState) Terminal() bool {
	return s == StateCancelled || s == StateFinished
}

type Category struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

type Location struct {
	Latitude  float64 `json:"latitude" db:"latitude"`
	Longitude float64 `json:"longitude" db:"longitude"`
}

type Item struct {
	ID          string     `json:"id" db:"id"`
	CategoryID  string     `json:"categoryId" db:"category_id"`
	Category    string     `json:"category" db:"category_name"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description" db:"description"`
	Visibility  Visibility `json:"visibility" db:"visibility"`
	Quantity    int64      `json:"quantity" db:"quantity"`
	Latitude    float64    `json:"latitude" db:"latitude"`
	Longitude   float64    `json:"longitude" db:"longitude"`
	OwnerID     string     `json:"ownerId" db:"owner_id"`
}

type Loan struct {
	ID                string    `json:"id" db:"id"`
	LenderID          string    `json:"lenderId" db:"lender_id"`
	BorrowerID        string    `json:"borrowerId" db:"borrower_id"`
	ItemID            string    `json:"itemId" db:"item_id"`
	StartDate         time.Time `json:"startDate" db:"start_date"`
	EndDate           time.Time `json:"endDate" db:"end_date"`
	State             LoanState `json:"state" db:"state"`
	ReviewByOwner     *string   `json:"reviewByOwner,omitempty" db:"review_by_owner"`
	ReviewByBorrower  *string   `json:"reviewByBorrower,omitempty" db:"review_by_borrower"`
	CommentByOwner    *string   `json:"commentByOwner,omitempty" db:"comment_by_owner"`
	CommentByBorrower *string   `json:"commentByBorrower,omitempty" db:"comment_by_borrower"`
}

type User struct {
	ID      string `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	Address string `json:"address" db:"address"`
	Rank    string `json:"rank" db:"rank"`
}

// Date binds day-granularity JSON dates ("2006-01-02").
type Date struct {
	time.Time `json:",inline"`
}

func (d *Date) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Format(time.DateOnly) + `"`), nil
}

type CreateLoanRequest struct {
	ItemID     string `json:"itemId" validate:"required"`
	StartDate  Date   `json:"startDate" validate:"required"`
	EndDate    Date   `json:"endDate" validate:"required"`
	BorrowerID string `validate:"required"`
}

type CreateItemRequest struct {
	CategoryID  string     `json:"categoryId" validate:"required"`
	Name        string     `json:"name" validate:"required"`
	Description string     `json:"description"`
	Visibility  Visibility `json:"visibility" validate:"required,oneof=PUBLIC FRIENDS PRIVATE"`
	Quantity    int64      `json:"quantity" validate:"required,gt=0"`
	Latitude    float64    `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude   float64    `json:"longitude" validate:"gte=-180,lte=180"`
	OwnerID     string     `validate:"required"`
}

type UpdateItemRequest struct {
	CategoryID  string     `json:"categoryId" validate:"required"`
	Name        string     `json:"name" validate:"required"`
	Description string     `json:"description"`
	Visibility  Visibility `json:"visibility" validate:"required,oneof=PUBLIC FRIENDS PRIVATE"`
	Quantity    int64      `json:"quantity" validate:"required,gt=0"`
	Latitude    float64    `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude   float64    `json:"longitude" validate:"gte=-180,lte=180"`
}

type ReviewRequest struct {
	Review  string `json:"review" validate:"required"`
	Comment string `json:"comment"`
}

// LoanDetails is a loan joined with its item and the counterpart user,
// assembled for the request-management views.
type LoanDetails struct {
	Loan Loan `json:"loan"`
	Item Item `json:"item"`
	User User `json:"user"`
}

type NotificationKind string

const (
	NotificationLoanAccepted NotificationKind = "LOAN_ACCEPTED"
	NotificationLoanRejected NotificationKind = "LOAN_REJECTED"
)

// Notification is the event value handed to the delivery collaborator.
// The transport is opaque to the scheduling core.
type Notification struct {
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	Kind           NotificationKind `json:"kind"`
	TargetUserID   string           `json:"targetUserId"`
	NavigationHint string           `json:"navigationHint"`
}
