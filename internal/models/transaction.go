package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TypeDeposit     TransactionType = "deposit"
	TypeWithdrawal  TransactionType = "withdrawal"
	TypeLoanPayment TransactionType = "loan_payment"
)

// FlushOrder is the fixed sequence in which partitions are submitted.
var FlushOrder = []TransactionType{TypeDeposit, TypeWithdrawal, TypeLoanPayment}

func (t TransactionType) Valid() bool {
	return t == TypeDeposit || t == TypeWithdrawal || t == TypeLoanPayment
}

// NewTransaction is a write operation captured while offline, before the
// queue assigns it an identity.
type NewTransaction struct {
	UserID      string          `json:"user_id"`
	Type        TransactionType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	LoanID      string          `json:"loan_id,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// QueuedTransaction is immutable once enqueued. It leaves the queue only
// after the backend confirms it.
type QueuedTransaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Type        TransactionType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	LoanID      string          `json:"loan_id,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// BatchFailure is the backend's verdict for a single rejected item.
type BatchFailure struct {
	ID          string          `json:"id"`
	Error string `json:"error"`
}

// BatchResult is the structured response of a batch endpoint.
type BatchResult struct {
	Processed []string       `json:"processed"`
	Failed    []BatchFailure `json:"failed"`
}

// FlushReport summarizes one flush cycle for the operator.
type FlushReport struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Remaining int      `json:"remaining"`
	Errors    []string `json:"errors,omitempty"`
	Skipped   bool     `json:"skipped"`
	Reason    string   `json:"reason,omitempty"`
}
