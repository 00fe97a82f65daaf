package softauthn

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/andyleap/authsession/internal/passkey"
	"github.com/fxamacker/cbor/v2"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

const (
	flagUserPresent  byte = 0x01
	flagUserVerified byte = 0x04
	flagAttestedData byte = 0x40

	credentialIDLength = 32
)

// Prompt describes what the user is being asked to approve.
type Prompt struct {
	Ceremony string
	RPID     string
	UserName string
}

// PresenceFunc stands in for the biometric or PIN prompt. Returning an error
// aborts the ceremony; return passkey.ErrCancelled for a user dismissal.
type PresenceFunc func(ctx context.Context, p Prompt) error

// Authenticator is a software platform authenticator producing ES256 keys
// with "none" attestation.
type Authenticator struct {
	origin   string
	keyring  Keyring
	presence PresenceFunc
	enc      cbor.EncMode

	// One prompt at a time, like a real platform.
	mu sync.Mutex
}

type Option func(*Authenticator)

func WithPresence(fn PresenceFunc) Option {
	return func(a *Authenticator) { a.presence = fn }
}

func New(origin string, keyring Keyring, opts ...Option) (*Authenticator, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", origin)
	}
	enc, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create cbor encoder: %w", err)
	}
	a := &Authenticator{
		origin:  origin,
		keyring: keyring,
		enc:     enc,
		presence: func(ctx context.Context, p Prompt) error {
			return ctx.Err()
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Authenticator) IsSupported() bool {
	return a.keyring != nil
}

func (a *Authenticator) Create(ctx context.Context, opts *protocol.PublicKeyCredentialCreationOptions) (*passkey.Attestation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rpID := a.rpID(opts.RelyingParty.ID)
	if !supportsES256(opts.Parameters) {
		return nil, fmt.Errorf("%w: no supported public key algorithm", passkey.ErrUnavailable)
	}
	handle, err := userHandle(opts.User.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", passkey.ErrInvalidOptions, err)
	}

	existing, err := a.keyring.List(ctx, rpID)
	if err != nil {
		return nil, err
	}
	for _, ex := range opts.CredentialExcludeList {
		for _, c := range existing {
			if bytes.Equal(ex.CredentialID, c.ID) {
				return nil, passkey.ErrExcluded
			}
		}
	}

	if err := a.presence(ctx, Prompt{Ceremony: "create", RPID: rpID, UserName: opts.User.Name}); err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	credID := make([]byte, credentialIDLength)
	if _, err := rand.Read(credID); err != nil {
		return nil, fmt.Errorf("failed to generate credential id: %w", err)
	}

	coseKey, err := a.coseKey(key)
	if err != nil {
		return nil, err
	}
	attested := make([]byte, 0, 16+2+len(credID)+len(coseKey))
	attested = append(attested, make([]byte, 16)...) // zero AAGUID
	attested = binary.BigEndian.AppendUint16(attested, uint16(len(credID)))
	attested = append(attested, credID...)
	attested = append(attested, coseKey...)

	authData := authenticatorData(rpID, flagUserPresent|flagUserVerified|flagAttestedData, 0, attested)
	attObj, err := a.enc.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode attestation object: %w", err)
	}

	clientData, err := a.clientData(protocol.CreateCeremony, opts.Challenge)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	if err := a.keyring.Put(ctx, Credential{
		ID:         credID,
		RPID:       rpID,
		UserHandle: handle,
		UserName:   opts.User.Name,
		PrivateKey: der,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	return &passkey.Attestation{
		RawID:                   credID,
		ClientDataJSON:          clientData,
		AttestationObject:       attObj,
		Transports:              []string{string(protocol.Internal)},
		AuthenticatorAttachment: string(protocol.Platform),
	}, nil
}

func (a *Authenticator) Get(ctx context.Context, opts *protocol.PublicKeyCredentialRequestOptions) (*passkey.Assertion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rpID := a.rpID(opts.RelyingPartyID)

	creds, err := a.keyring.List(ctx, rpID)
	if err != nil {
		return nil, err
	}
	if len(opts.AllowedCredentials) > 0 {
		var allowed []Credential
		for _, c := range creds {
			for _, d := range opts.AllowedCredentials {
				if bytes.Equal(d.CredentialID, c.ID) {
					allowed = append(allowed, c)
				}
			}
		}
		creds = allowed
	}
	if len(creds) == 0 {
		return nil, passkey.ErrNoCredential
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].CreatedAt.After(creds[j].CreatedAt) })
	cred := creds[0]

	if err := a.presence(ctx, Prompt{Ceremony: "get", RPID: rpID, UserName: cred.UserName}); err != nil {
		return nil, err
	}

	parsed, err := x509.ParsePKCS8PrivateKey(cred.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("stored key is not ECDSA")
	}

	cred.SignCount++
	if err := a.keyring.Put(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to update sign count: %w", err)
	}

	clientData, err := a.clientData(protocol.AssertCeremony, opts.Challenge)
	if err != nil {
		return nil, err
	}
	authData := authenticatorData(rpID, flagUserPresent|flagUserVerified, cred.SignCount, nil)

	clientHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte{}, authData...), clientHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign assertion: %w", err)
	}

	return &passkey.Assertion{
		RawID:                   cred.ID,
		ClientDataJSON:          clientData,
		AuthenticatorData:       authData,
		Signature:               sig,
		UserHandle:              cred.UserHandle,
		AuthenticatorAttachment: string(protocol.Platform),
	}, nil
}

func (a *Authenticator) rpID(id string) string {
	if id != "" {
		return id
	}
	u, _ := url.Parse(a.origin)
	return u.Hostname()
}

type clientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin"`
}

func (a *Authenticator) clientData(ceremony protocol.CeremonyType, challenge protocol.URLEncodedBase64) ([]byte, error) {
	if len(challenge) == 0 {
		return nil, fmt.Errorf("%w: challenge missing", passkey.ErrInvalidOptions)
	}
	data, err := json.Marshal(clientData{
		Type:      string(ceremony),
		Challenge: passkey.Encode(challenge),
		Origin:    a.origin,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode client data: %w", err)
	}
	return data, nil
}

// coseKey encodes the public key as a COSE_Key EC2 map.
func (a *Authenticator) coseKey(key *ecdsa.PrivateKey) ([]byte, error) {
	pub, err := key.PublicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert public key: %w", err)
	}
	raw := pub.Bytes() // 0x04 || X || Y
	out, err := a.enc.Marshal(map[int]any{
		1:  2, // kty: EC2
		3:  int(webauthncose.AlgES256),
		-1: 1, // crv: P-256
		-2: raw[1:33],
		-3: raw[33:65],
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode COSE key: %w", err)
	}
	return out, nil
}

func authenticatorData(rpID string, flags byte, signCount uint32, attested []byte) []byte {
	rpHash := sha256.Sum256([]byte(rpID))
	out := make([]byte, 0, 37+len(attested))
	out = append(out, rpHash[:]...)
	out = append(out, flags)
	out = binary.BigEndian.AppendUint32(out, signCount)
	return append(out, attested...)
}

func supportsES256(params []protocol.CredentialParameter) bool {
	if len(params) == 0 {
		// Defaults per WebAuthn include ES256.
		return true
	}
	for _, p := range params {
		if p.Algorithm == webauthncose.AlgES256 {
			return true
		}
	}
	return false
}

func userHandle(id any) ([]byte, error) {
	switch v := id.(type) {
	case string:
		return passkey.Decode(v)
	case protocol.URLEncodedBase64:
		return []byte(v), nil
	case []byte:
		return v, nil
	case nil:
		return nil, errors.New("user id missing")
	default:
		return nil, fmt.Errorf("unsupported user id type %T", id)
	}
}
