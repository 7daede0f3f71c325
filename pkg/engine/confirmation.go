package engine

import (
	"time"

	"github.com/google/uuid"
)

// Confirmation is the token a ConfirmationGate issues for a destructive operation.
// It is bound to exactly one datastore name and can only be built with NewConfirmation.
type Confirmation struct {
	datastore string
	token     string
	issuedAt  time.Time
}

// NewConfirmation issues a token for the named datastore.
func NewConfirmation(datastore string) *Confirmation {
	return &Confirmation{
		datastore: datastore,
		token:     uuid.NewString(),
		issuedAt:  time.Now(),
	}
}

// Datastore returns the datastore the token was issued for.
func (c *Confirmation) Datastore() string {
	if c == nil {
		return ""
	}
	return c.datastore
}

// Token returns the opaque token value.
func (c *Confirmation) Token() string {
	if c == nil {
		return ""
	}
	return c.token
}

// IssuedAt returns when the token was issued.
func (c *Confirmation) IssuedAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.issuedAt
}

// Valid returns true if the token was issued for exactly this datastore.
func (c *Confirmation) Valid(datastore string) bool {
	return c != nil && c.token != "" && datastore != "" && c.datastore == datastore
}
