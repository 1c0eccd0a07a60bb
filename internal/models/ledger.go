package models

import "time"

// Transaction directions in the credit ledger.
const (
	TransactionDebt    = "debt"
	TransactionPayment = "payment"
)

// Transaction is a single debt or payment recorded against a customer.
type Transaction struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customer_id"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Customer is a directory entry in the business owner's ledger.
type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateTransactionPayload is the replay payload for a create-transaction
// entry.
type CreateTransactionPayload struct {
	Transaction Transaction `json:"transaction"`
}

// UpdateCustomerPayload is the replay payload for an update-customer entry.
type UpdateCustomerPayload struct {
	Customer Customer `json:"customer"`
}

// DeleteCustomerPayload is the replay payload for a delete-customer entry.
type DeleteCustomerPayload struct {
	CustomerID string `json:"customer_id"`
}
