package controlplane

import (
	"github.com/ruteri/vless-provisioning-backend/interfaces"
	handlercmd "github.com/xtls/xray-core/app/proxyman/command"
	"github.com/xtls/xray-core/common/protocol"
	"github.com/xtls/xray-core/common/serial"
	"github.com/xtls/xray-core/proxy/vless"
)

// Operation is an inbound user mutation accepted by the engine's handler
// service. The set of operations is closed: AddUser and RemoveUser.
type Operation interface {
	typedMessage() *serial.TypedMessage
}

// AddUser grants a credential access through the inbound.
type AddUser struct {
	Credential interfaces.Credential
	// Flow is the VLESS flow put on the account; empty omits it.
	Flow string
}

// RemoveUser revokes a credential. Users are keyed by credential id.
type RemoveUser struct {
	CredentialID string
}

func (op AddUser) typedMessage() *serial.TypedMessage {
	return serial.ToTypedMessage(&handlercmd.AddUserOperation{
		User: &protocol.User{
			Level: 0,
			Email: op.Credential.ID,
			Account: serial.ToTypedMessage(&vless.Account{
				Id:   op.Credential.ID,
				Flow: op.Flow,
			}),
		},
	})
}

func (op RemoveUser) typedMessage() *serial.TypedMessage {
	return serial.ToTypedMessage(&handlercmd.RemoveUserOperation{
		Email: op.CredentialID,
	})
}

func alterInboundRequest(tag string, op Operation) *handlercmd.AlterInboundRequest {
	return &handlercmd.AlterInboundRequest{
		Tag:       tag,
		Operation: op.typedMessage(),
	}
}
