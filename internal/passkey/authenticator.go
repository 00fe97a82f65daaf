package passkey

import (
	"context"

	"github.com/go-webauthn/webauthn/protocol"
)

// Attestation is the raw result of a platform create() call.
type Attestation struct {
	RawID                   []byte
	ClientDataJSON          []byte
	AttestationObject       []byte
	Transports              []string
	AuthenticatorAttachment string
}

// Assertion is the raw result of a platform get() call.
type Assertion struct {
	RawID                   []byte
	ClientDataJSON          []byte
	AuthenticatorData       []byte
	Signature               []byte
	UserHandle              []byte
	AuthenticatorAttachment string
}

// Authenticator is the host public-key credential capability. Adapters must
// return ErrCancelled when the user dismisses the prompt or it times out,
// ErrUnavailable when no usable authenticator exists and ErrExcluded when an
// excluded credential is already present.
type Authenticator interface {
	IsSupported() bool
	Create(ctx context.Context, opts *protocol.PublicKeyCredentialCreationOptions) (*Attestation, error)
	Get(ctx context.Context, opts *protocol.PublicKeyCredentialRequestOptions) (*Assertion, error)
}

// Unsupported is the adapter for hosts without any public-key credential API.
type Unsupported struct{}

func (Unsupported) IsSupported() bool { return false }

func (Unsupported) Create(context.Context, *protocol.PublicKeyCredentialCreationOptions) (*Attestation, error) {
	return nil, ErrUnavailable
}

func (Unsupported) Get(context.Context, *protocol.PublicKeyCredentialRequestOptions) (*Assertion, error) {
	return nil, ErrUnavailable
}
