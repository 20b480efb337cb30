package dto

type CreateRegistrationRequest struct {
	CustomerKey string `json:"customer_key" binding:"required"`
	FullName    string `json:"full_name"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
}

type ListRegistrationsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListRegistrationsResponse struct {
	Registrations []RegistrationDTO `json:"registrations"`
	NextCursor    string            `json:"next_cursor,omitempty"`
}

type ProcessRegistrationRequest struct {
	OperatorID int64 `json:"operator_id"`
}

type RegistrationDTO struct {
	ID           int64  `json:"id"`
	CustomerKey  string `json:"customer_key"`
	FullName     string `json:"full_name"`
	Phone        string `json:"phone"`
	Email        string `json:"email"`
	Status       string `json:"status"`
	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message,omitempty"`
	ProcessedBy  *int64 `json:"processed_by,omitempty"`
	ProcessedAt  string `json:"processed_at,omitempty"`
	CreatedAt    string `json:"created_at"`
}
