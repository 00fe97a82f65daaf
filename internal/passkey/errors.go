package passkey

import (
	"context"
	"errors"
	"fmt"

	"github.com/andyleap/authsession/internal/api"
)

var (
	ErrCancelled      = errors.New("passkey ceremony cancelled")
	ErrUnavailable    = errors.New("passkey authenticator unavailable")
	ErrExcluded       = errors.New("passkey already registered on this authenticator")
	ErrNoCredential   = fmt.Errorf("%w: no matching passkey", ErrUnavailable)
	ErrInvalidOptions = errors.New("invalid ceremony options")
)

type Stage string

const (
	StageBegin    Stage = "begin"
	StagePlatform Stage = "platform"
	StageComplete Stage = "complete"
)

// CeremonyError reports where a registration or authentication attempt
// stopped. Err keeps the underlying cause for errors.Is and errors.As.
type CeremonyError struct {
	Stage Stage
	Err   error
}

func (e *CeremonyError) Error() string {
	return fmt.Sprintf("passkey %s failed: %v", e.Stage, e.Err)
}

func (e *CeremonyError) Unwrap() error {
	return e.Err
}

// Message is the user-facing explanation.
func (e *CeremonyError) Message() string {
	switch {
	case errors.Is(e.Err, ErrCancelled):
		return "The passkey request was cancelled or timed out. Try again when you are ready."
	case errors.Is(e.Err, ErrExcluded):
		return "This device already has a passkey for your account."
	case errors.Is(e.Err, ErrNoCredential):
		return "No passkey for this account was found on this device."
	case errors.Is(e.Err, ErrUnavailable):
		return "Passkeys are not available on this device."
	case errors.Is(e.Err, ErrInvalidOptions):
		return "The server sent an invalid passkey request."
	}

	var apiErr *api.APIError
	if errors.As(e.Err, &apiErr) {
		if e.Stage == StageComplete {
			if apiErr.Message != "" {
				return "The server rejected the passkey: " + apiErr.Message
			}
			return "The server rejected the passkey."
		}
		return "Could not start the passkey request. The server returned an error."
	}
	return "Could not reach the server to complete the passkey request."
}

// platformError normalises adapter and context failures into the sentinel
// taxonomy.
func platformError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrUnavailable), errors.Is(err, ErrExcluded):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
