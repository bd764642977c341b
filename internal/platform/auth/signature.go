package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	// ErrMissingSignatureHeaders is returned when the timestamp or signature header is absent.
	ErrMissingSignatureHeaders = errors.New("auth: webhook timestamp and signature headers are required")
	// ErrSignatureMismatch is returned when the supplied signature does not match the body.
	ErrSignatureMismatch = errors.New("auth: webhook signature mismatch")
	// ErrSignatureSecretMissing is returned when the verifier has no shared secret.
	ErrSignatureSecretMissing = errors.New("auth: webhook signing secret not configured")
)

// SignatureVerifier checks gateway webhook signatures of the form
// base64(HMAC-SHA256(secret, timestamp || rawBody)).
type SignatureVerifier struct {
	secret []byte
}

// NewSignatureVerifier constructs a verifier for the shared gateway secret.
func NewSignatureVerifier(secret string) *SignatureVerifier {
	return &SignatureVerifier{secret: []byte(secret)}
}

// Sign computes the signature for the timestamp and raw body.
func (v *SignatureVerifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify validates the signature over the raw, unparsed request body.
func (v *SignatureVerifier) Verify(timestamp, signature string, body []byte) error {
	timestamp = strings.TrimSpace(timestamp)
	signature = strings.TrimSpace(signature)
	if timestamp == "" || signature == "" {
		return ErrMissingSignatureHeaders
	}
	if v == nil || len(v.secret) == 0 {
		return ErrSignatureSecretMissing
	}
	expected := v.Sign(timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}
