package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/andyleap/authsession/internal/api"
	"github.com/andyleap/authsession/internal/models"
	"github.com/andyleap/authsession/internal/platform"
	"github.com/go-playground/validator/v10"
	"github.com/go-webauthn/webauthn/protocol"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config tunes the ceremony client.
type Config struct {
	// BeginTimeout bounds the begin call. When it passes, the ceremony is
	// aborted before the authenticator is touched.
	BeginTimeout time.Duration
	// CeremonyTimeout bounds the platform prompt when the server options do
	// not carry a timeout.
	CeremonyTimeout time.Duration
	DeviceName      string
	Device          platform.Info
	Logger          *slog.Logger
}

// Client runs the begin, platform, complete sequence for registration and
// authentication. Every step is single-shot: each attempt fetches a fresh
// challenge and nothing is retried.
type Client struct {
	api    api.Doer
	authn  Authenticator
	status *StatusCache
	cfg    Config
	logger *slog.Logger
}

func NewClient(doer api.Doer, authn Authenticator, status *StatusCache, cfg Config) *Client {
	if cfg.BeginTimeout <= 0 {
		cfg.BeginTimeout = 15 * time.Second
	}
	if cfg.CeremonyTimeout <= 0 {
		cfg.CeremonyTimeout = 2 * time.Minute
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = platform.DeviceName()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: doer, authn: authn, status: status, cfg: cfg, logger: logger}
}

// Supported reports whether the host can run a ceremony at all.
func (c *Client) Supported() bool {
	return c.authn != nil && c.authn.IsSupported()
}

// Register adds a passkey for the signed-in user. deviceName may be empty.
func (c *Client) Register(ctx context.Context, deviceName string) error {
	if !c.Supported() {
		return &CeremonyError{Stage: StagePlatform, Err: ErrUnavailable}
	}
	deviceName = strings.TrimSpace(deviceName)
	if deviceName == "" {
		deviceName = c.cfg.DeviceName
	}
	if err := validate.Var(deviceName, "max=100"); err != nil {
		return fmt.Errorf("invalid device name: %w", err)
	}

	begin, err := c.begin(ctx, api.PathPasskeyRegisterBegin, false)
	if err != nil {
		return err
	}

	var opts protocol.PublicKeyCredentialCreationOptions
	if err := decodeOptions(begin.Options, &opts); err != nil {
		return &CeremonyError{Stage: StageBegin, Err: err}
	}
	challenge, err := resolveChallenge(begin.Challenge, &opts.Challenge)
	if err != nil {
		return &CeremonyError{Stage: StageBegin, Err: err}
	}

	pctx, cancel := c.platformContext(ctx, opts.Timeout)
	defer cancel()
	c.logger.Debug("Starting passkey registration", "rp_id", opts.RelyingParty.ID, "excluded", len(opts.CredentialExcludeList))
	att, err := c.authn.Create(pctx, &opts)
	if err != nil {
		err = platformError(pctx, err)
		c.logger.Info("Passkey registration stopped on device", "error", err)
		return &CeremonyError{Stage: StagePlatform, Err: err}
	}

	id := Encode(att.RawID)
	req := models.RegisterCompleteRequest{
		Credential: models.RegistrationCredential{
			ID:                      id,
			RawID:                   id,
			Type:                    string(protocol.PublicKeyCredentialType),
			AuthenticatorAttachment: att.AuthenticatorAttachment,
			Response: models.AttestationResponse{
				ClientDataJSON:    Encode(att.ClientDataJSON),
				AttestationObject: Encode(att.AttestationObject),
				Transports:        att.Transports,
			},
		},
		Challenge:  challenge,
		DeviceName: deviceName,
		DeviceInfo: c.cfg.Device.Map(),
	}
	if err := validate.Struct(req); err != nil {
		return &CeremonyError{Stage: StagePlatform, Err: fmt.Errorf("%w: incomplete credential: %v", ErrUnavailable, err)}
	}

	if err := c.api.Do(ctx, api.Request{Method: http.MethodPost, Path: api.PathPasskeyRegisterDone, Body: req}, nil); err != nil {
		return &CeremonyError{Stage: StageComplete, Err: err}
	}
	c.logger.Info("Passkey registered", "device_name", deviceName)

	if c.status != nil {
		if _, err := c.status.Refresh(ctx); err != nil {
			c.logger.Warn("Failed to refresh passkey status after registration", "error", err)
		}
	}
	return nil
}

// Authenticate proves identity with a passkey and returns the issued pair.
// It needs no prior session.
func (c *Client) Authenticate(ctx context.Context) (models.CredentialPair, error) {
	var pair models.CredentialPair
	if !c.Supported() {
		return pair, &CeremonyError{Stage: StagePlatform, Err: ErrUnavailable}
	}

	begin, err := c.begin(ctx, api.PathPasskeyAuthBegin, true)
	if err != nil {
		return pair, err
	}

	var opts protocol.PublicKeyCredentialRequestOptions
	if err := decodeOptions(begin.Options, &opts); err != nil {
		return pair, &CeremonyError{Stage: StageBegin, Err: err}
	}
	challenge, err := resolveChallenge(begin.Challenge, &opts.Challenge)
	if err != nil {
		return pair, &CeremonyError{Stage: StageBegin, Err: err}
	}

	pctx, cancel := c.platformContext(ctx, opts.Timeout)
	defer cancel()
	c.logger.Debug("Starting passkey authentication", "rp_id", opts.RelyingPartyID, "allowed", len(opts.AllowedCredentials))
	assertion, err := c.authn.Get(pctx, &opts)
	if err != nil {
		err = platformError(pctx, err)
		c.logger.Info("Passkey authentication stopped on device", "error", err)
		return pair, &CeremonyError{Stage: StagePlatform, Err: err}
	}

	id := Encode(assertion.RawID)
	req := models.AuthenticateCompleteRequest{
		Credential: models.AssertionCredential{
			ID:                      id,
			RawID:                   id,
			Type:                    string(protocol.PublicKeyCredentialType),
			AuthenticatorAttachment: assertion.AuthenticatorAttachment,
			Response: models.AssertionResponse{
				ClientDataJSON:    Encode(assertion.ClientDataJSON),
				AuthenticatorData: Encode(assertion.AuthenticatorData),
				Signature:         Encode(assertion.Signature),
			},
		},
		Challenge:  challenge,
		DeviceInfo: c.cfg.Device.Map(),
	}
	if len(assertion.UserHandle) > 0 {
		req.Credential.Response.UserHandle = Encode(assertion.UserHandle)
	}
	if err := validate.Struct(req); err != nil {
		return pair, &CeremonyError{Stage: StagePlatform, Err: fmt.Errorf("%w: incomplete assertion: %v", ErrUnavailable, err)}
	}

	if err := c.api.Do(ctx, api.Request{Method: http.MethodPost, Path: api.PathPasskeyAuthDone, Body: req, Public: true}, &pair); err != nil {
		return models.CredentialPair{}, &CeremonyError{Stage: StageComplete, Err: err}
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return models.CredentialPair{}, &CeremonyError{Stage: StageComplete, Err: errors.New("server returned no tokens")}
	}
	c.logger.Info("Passkey authentication succeeded", "user_id", pair.UserID)
	return pair, nil
}

func (c *Client) begin(ctx context.Context, path string, public bool) (*models.BeginResponse, error) {
	bctx, cancel := context.WithTimeout(ctx, c.cfg.BeginTimeout)
	defer cancel()

	var out models.BeginResponse
	if err := c.api.Do(bctx, api.Request{Method: http.MethodPost, Path: path, Public: public}, &out); err != nil {
		return nil, &CeremonyError{Stage: StageBegin, Err: err}
	}
	if len(out.Options) == 0 {
		return nil, &CeremonyError{Stage: StageBegin, Err: fmt.Errorf("%w: options missing", ErrInvalidOptions)}
	}
	return &out, nil
}

// platformContext bounds the prompt by the server timeout (milliseconds) or
// the configured default.
func (c *Client) platformContext(ctx context.Context, timeoutMillis int) (context.Context, context.CancelFunc) {
	d := c.cfg.CeremonyTimeout
	if timeoutMillis > 0 {
		d = time.Duration(timeoutMillis) * time.Millisecond
	}
	return context.WithTimeout(ctx, d)
}

// decodeOptions accepts both the bare options object and the
// {"publicKey": {...}} envelope browsers expect.
func decodeOptions(raw json.RawMessage, dst any) error {
	var envelope struct {
		PublicKey json.RawMessage `json:"publicKey"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.PublicKey) > 0 {
		raw = envelope.PublicKey
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}

// resolveChallenge puts the server's challenge into the options and returns
// the string to echo back on complete.
func resolveChallenge(challenge string, into *protocol.URLEncodedBase64) (string, error) {
	if challenge == "" {
		if len(*into) == 0 {
			return "", fmt.Errorf("%w: challenge missing", ErrInvalidOptions)
		}
		return Encode(*into), nil
	}
	raw, err := Decode(challenge)
	if err != nil || len(raw) == 0 {
		return "", fmt.Errorf("%w: challenge is not base64url", ErrInvalidOptions)
	}
	*into = protocol.URLEncodedBase64(raw)
	return challenge, nil
}
