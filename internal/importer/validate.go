package importer

import (
	"regexp"
	"strings"

	"github.com/Guizzs26/cu-sync-agent/internal/models"
	"github.com/shopspring/decimal"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// RawRecord holds the trimmed cell values of one data line.
type RawRecord struct {
	FullName string
	Email    string
	Balance  string
	Role     string
	Status   string
}

// Verdict is the outcome of validating one row.
type Verdict struct {
	IsValid bool
	Errors  []string
}

// ValidateRow checks a single row. seen holds the lowercased emails of the
// rows before it in the same payload, known the lowercased emails of
// existing users. Neither map is modified.
func ValidateRow(raw RawRecord, seen, known map[string]bool) Verdict {
	var errs []string

	if raw.FullName == "" {
		errs = append(errs, "Name is required")
	}

	email := strings.ToLower(raw.Email)
	switch {
	case email == "":
		errs = append(errs, "Email is required")
	case !emailPattern.MatchString(email):
		errs = append(errs, "Invalid email format")
	}
	if email != "" {
		if seen[email] {
			errs = append(errs, "Duplicate email in file")
		} else if known[email] {
			errs = append(errs, "Email already exists")
		}
	}

	if raw.Balance != "" {
		if d, err := decimal.NewFromString(raw.Balance); err != nil || d.IsNegative() {
			errs = append(errs, "Balance must be a non-negative number")
		}
	}
	if raw.Role != "" && !models.ValidRoles[raw.Role] {
		errs = append(errs, "Role must be 'regular' or 'admin'")
	}
	if raw.Status != "" && !models.ValidStatuses[raw.Status] {
		errs = append(errs, "Status must be 'active' or 'inactive'")
	}

	return Verdict{IsValid: len(errs) == 0, Errors: errs}
}

// Record converts the raw cells into a user record, applying defaults for
// empty optional fields. Unparseable balances become zero.
func (r RawRecord) Record() models.UserRecord {
	balance := decimal.Zero
	if r.Balance != "" {
		if d, err := decimal.NewFromString(r.Balance); err == nil {
			balance = d
		}
	}

	role := r.Role
	if role == "" {
		role = models.RoleRegular
	}
	status := r.Status
	if status == "" {
		status = models.StatusActive
	}

	return models.UserRecord{
		FullName:       r.FullName,
		Email:          r.Email,
		InitialBalance: balance,
		Role:           role,
		Status:         status,
	}
}
