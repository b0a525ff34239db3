package service

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/ruteri/vless-provisioning-backend/interfaces"
)

// UUIDIssuer mints credentials with random (v4) UUIDs.
type UUIDIssuer struct{}

var _ interfaces.CredentialIssuer = UUIDIssuer{}

func (UUIDIssuer) NewCredential(label string) (interfaces.Credential, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return interfaces.Credential{}, fmt.Errorf("could not generate credential id: %w", err)
	}
	return interfaces.Credential{ID: id.String(), Label: label}, nil
}
