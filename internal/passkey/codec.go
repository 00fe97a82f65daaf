package passkey

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Encode returns the URL-safe, unpadded base64 form used for every binary
// member of a ceremony payload.
func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode accepts base64url with or without padding. Some servers also hand
// out the standard alphabet, so '+' and '/' are tolerated.
func Decode(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64url value: %w", err)
	}
	return b, nil
}
