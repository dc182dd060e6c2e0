package domain

import "time"

// Modem is a single SMS send endpoint in the pool roster.
type Modem struct {
	ID        string
	Name      string
	Endpoint  string
	IsEnabled bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
