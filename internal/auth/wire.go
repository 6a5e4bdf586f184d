package auth

import "github.com/go-webauthn/webauthn/protocol"

type RelyingParty struct {
	ID     string
	Name   string
	Origin string
}

// RegistrationOptions is handed to the browser to create a passkey.
type RegistrationOptions = protocol.PublicKeyCredentialCreationOptions

// LoginOptions is handed to the browser to sign in with an existing passkey.
type LoginOptions = protocol.PublicKeyCredentialRequestOptions

// labelled picks the optional display label a client may send alongside a
// new credential.
type labelled struct {
	Label string `json:"label"`
}
