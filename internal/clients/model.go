package clients

import "time"

// Client is a customer record owned by an organization. The email address
// doubles as the fallback correlation key when a gateway payment carries no
// explicit invoice linkage.
type Client struct {
	ID        int64     `json:"id"`
	OrgID     int64     `json:"org_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateClientInput for creating client records.
type CreateClientInput struct {
	OrgID int64
	Name  string
	Email string
}

// UpdateClientInput for updating client records.
type UpdateClientInput struct {
	OrgID int64
	ID    int64
	Name  string
	Email string
}
