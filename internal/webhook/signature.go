/**
 * @description
 * This file authenticates inbound payment-provider webhooks. The provider signs the raw
 * request body with HMAC-SHA512 under the shared secret and sends the hex digest in the
 * `x-paystack-signature` header.
 *
 * @notes
 * - Verification runs on the exact bytes received, before any JSON decoding.
 * - An empty secret rejects everything. There is no bypass switch.
 */
package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"
)

// Verifier checks webhook signatures against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for secret. Surrounding whitespace is ignored.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(strings.TrimSpace(secret))}
}

// Configured reports whether a secret is set. An unconfigured verifier rejects all requests.
func (v *Verifier) Configured() bool {
	return len(v.secret) > 0
}

// Verify reports whether signature is the hex HMAC-SHA512 of body under the secret.
func (v *Verifier) Verify(body []byte, signature string) bool {
	if !v.Configured() {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) != sha512.Size {
		return false
	}

	mac := hmac.New(sha512.New, v.secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign returns the hex signature the provider would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(strings.TrimSpace(secret)))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
