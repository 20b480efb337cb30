package domain

import "time"

// User is a customer whose accounts are reconciled against the core-banking source
type User struct {
	ID              int64      `db:"id"`
	CustomerKey     string     `db:"customer_key"`
	FullName        string     `db:"full_name"`
	Phone           string     `db:"phone"`
	Email           string     `db:"email"`
	Address         string     `db:"address"`
	LastDiscoveryAt *time.Time `db:"last_discovery_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// ProfileIncomplete reports whether any backfillable profile field is empty
func (u *User) ProfileIncomplete() bool {
	return u.FullName == "" || u.Phone == "" || u.Email == "" || u.Address == ""
}

// Account is a locally known core-banking account
type Account struct {
	ID           int64      `db:"id"`
	UserID       int64      `db:"user_id"`
	AccountID    string     `db:"account_id"`
	AccountName  string     `db:"account_name"`
	Currency     string     `db:"currency"`
	CategoryCode string     `db:"category_code"`
	Balance      float64    `db:"balance"`
	Active       bool       `db:"active"`
	EnrichedAt   *time.Time `db:"enriched_at"`

	// EnrichAttemptedAt is the last detail lookup that did not enrich the account
	EnrichAttemptedAt *time.Time `db:"enrich_attempted_at"`
	CreatedAt         time.Time  `db:"created_at"`
}

// Category is an account classification reported by the core-banking source
type Category struct {
	Code      string    `db:"code"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

// Registration is a pending request to onboard a customer
type Registration struct {
	ID           int64      `db:"id"`
	CustomerKey  string     `db:"customer_key"`
	FullName     string     `db:"full_name"`
	Phone        string     `db:"phone"`
	Email        string     `db:"email"`
	Status       string     `db:"status"`
	RetryCount   int        `db:"retry_count"`
	ErrorMessage string     `db:"error_message"`
	ProcessedBy  *int64     `db:"processed_by"`
	ProcessedAt  *time.Time `db:"processed_at"`
	CreatedAt    time.Time  `db:"created_at"`
}

// ProfilePatch holds user profile fields to set; empty fields are left untouched
type ProfilePatch struct {
	FullName string
	Phone    string
	Email    string
	Address  string
}

// Empty reports whether the patch would change nothing
func (p ProfilePatch) Empty() bool {
	return p.FullName == "" && p.Phone == "" && p.Email == "" && p.Address == ""
}

// Fields returns the names of the fields set in the patch
func (p ProfilePatch) Fields() []string {
	var fields []string
	if p.FullName != "" {
		fields = append(fields, "full_name")
	}
	if p.Phone != "" {
		fields = append(fields, "phone")
	}
	if p.Email != "" {
		fields = append(fields, "email")
	}
	if p.Address != "" {
		fields = append(fields, "address")
	}
	return fields
}
