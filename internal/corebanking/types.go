package corebanking

// AccountIDs is the first page of a customer's account list, reduced to IDs
type AccountIDs struct {
	AccountIDs    []string
	HasMore       bool
	NextPageToken string
	TotalSize     int
}

// PageHeader describes one page of a paged response. PageStart is 1-based.
type PageHeader struct {
	TotalSize int    `json:"total_size"`
	PageStart int    `json:"page_start"`
	PageToken string `json:"page_token"`
}

// AccountItem is one entry of a customer account page
type AccountItem struct {
	AccountID  string `json:"account_id"`
	CustomerID string `json:"customer_id"`
	Category   string `json:"category"`
	Currency   string `json:"currency"`
}

// AccountPage is one page of a customer's accounts
type AccountPage struct {
	Header PageHeader    `json:"header"`
	Body   []AccountItem `json:"body"`
}

// IDs returns the account IDs on the page
func (p *AccountPage) IDs() []string {
	ids := make([]string, 0, len(p.Body))
	for _, item := range p.Body {
		if item.AccountID != "" {
			ids = append(ids, item.AccountID)
		}
	}
	return ids
}

// HasMore reports whether pages remain after this one
func (p *AccountPage) HasMore() bool {
	if p.Header.PageToken == "" {
		return false
	}
	start := p.Header.PageStart
	if start < 1 {
		start = 1
	}
	return start-1+len(p.Body) < p.Header.TotalSize
}

// CustomerProfile is the customer record attached to account details
type CustomerProfile struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	Address  string `json:"address"`
}

// AccountDetails is the detail view of one account
type AccountDetails struct {
	AccountID    string          `json:"account_id"`
	AccountName  string          `json:"account_title"`
	Currency     string          `json:"currency"`
	CategoryCode string          `json:"category"`
	CategoryName string          `json:"category_name"`
	Balance      float64         `json:"working_balance"`
	Customer     CustomerProfile `json:"customer"`
}

// DetailResult carries OK=false when the source has no record for the account
type DetailResult struct {
	OK   bool
	Data *AccountDetails
}
