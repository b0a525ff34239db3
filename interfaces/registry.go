package interfaces

import "context"

// ClientRegistry is the persistent store of confirmed clients.
//
// Implementations key clients by credential id; a credential id maps to at most
// one PersistedClient.
type ClientRegistry interface {
	// Create stores a new client and returns it with registry-assigned fields
	// (ID, CreatedAt) populated. Returns ErrClientExists if the credential id
	// is already registered.
	Create(ctx context.Context, client PersistedClient) (PersistedClient, error)

	// FindByCredentialID returns ErrClientNotFound when no client holds the id.
	FindByCredentialID(ctx context.Context, credentialID string) (PersistedClient, error)

	// Update replaces the client holding c.CredentialID, keeping the stored
	// ID and CreatedAt. Returns ErrClientNotFound if there is none.
	Update(ctx context.Context, c PersistedClient) (PersistedClient, error)

	// Delete removes the client holding the credential id. Returns
	// ErrClientNotFound if there is none.
	Delete(ctx context.Context, credentialID string) error

	// ListActive returns every client whose IsActive flag is set, ordered by ID.
	ListActive(ctx context.Context) ([]PersistedClient, error)
}
