package models

import "github.com/shopspring/decimal"

const (
	RoleRegular = "regular"
	RoleAdmin   = "admin"

	StatusActive   = "active"
	StatusInactive = "inactive"
)

var ValidRoles = map[string]bool{
	RoleRegular: true,
	RoleAdmin:   true,
}

var ValidStatuses = map[string]bool{
	StatusActive:   true,
	StatusInactive: true,
}

// UserRecord is the candidate new-user payload carried by an import row.
type UserRecord struct {
	FullName       string          `json:"full_name"`
	Email          string          `json:"email"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	Role           string          `json:"role"`
	Status         string          `json:"status"`
}

// ImportRow is one parsed data line. Validity is fixed at parse time; only
// Include changes afterwards.
type ImportRow struct {
	RowID   int        `json:"row_id"`
	Data    UserRecord `json:"data"`
	IsValid bool       `json:"is_valid"`
	Errors  []string   `json:"errors"`
	Include bool       `json:"include"`
}

type FailedRecord struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

// ImportSessionResult is produced once per submission.
type ImportSessionResult struct {
	Success       int            `json:"success"`
	Failed        int            `json:"failed"`
	Skipped       int            `json:"skipped"`
	FailedRecords []FailedRecord `json:"failed_records"`
}

// BulkCreateRequest is the payload of the remote bulk creation call.
type BulkCreateRequest struct {
	Records           []UserRecord `json:"records"`
	SendWelcomeEmails bool         `json:"send_welcome_emails"`
	SourceLabel       string       `json:"source_label"`
	ActorID           string       `json:"actor_id"`
}

// BulkCreateResult is the remote verdict for a bulk creation call.
type BulkCreateResult struct {
	Success    int            `json:"success"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	FailedList []FailedRecord `json:"failed_list"`
}
