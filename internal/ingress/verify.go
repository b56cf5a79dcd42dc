package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// Verification modes for inbound webhooks.
const (
	ModeDirect = "direct" // HMAC of the raw body with a shared secret
	ModeProxy  = "proxy"  // bearer token equality
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrBadSignature     = errors.New("webhook signature mismatch")
	ErrMissingBearer    = errors.New("missing bearer token")
	ErrBadBearer        = errors.New("bearer token mismatch")
)

// VerifyHMAC checks the hex-encoded HMAC-SHA256 signature of the raw body.
func VerifyHMAC(body []byte, signature, secret string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// VerifyBearer checks the Authorization header against the configured API key.
func VerifyBearer(authorization, apiKey string) error {
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || token == "" {
		return ErrMissingBearer
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
		return ErrBadBearer
	}
	return nil
}
