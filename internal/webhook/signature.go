// Package webhook verifies and decodes inbound platform webhook deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-TikTok-Signature"

// Verify reports whether header is the hex HMAC-SHA256 of body under secret.
// An empty secret, a missing header or a header that is not hex never verifies.
func Verify(secret, header string, body []byte) bool {
	if secret == "" {
		return false
	}
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(header, "sha256=")
	if header == "" {
		return false
	}

	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the header value Verify accepts for body. Used by tests and
// the local simulator.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks signatures with a fixed secret. With bypass set every
// request passes and a warning is logged instead.
type Verifier struct {
	secret string
	bypass bool
	logger *logger.Logger
}

// NewVerifier creates a verifier. bypass must only be true outside production.
func NewVerifier(secret string, bypass bool, log *logger.Logger) *Verifier {
	return &Verifier{
		secret: secret,
		bypass: bypass,
		logger: log.WithComponent("signature"),
	}
}

// Verify checks header against body.
func (v *Verifier) Verify(header string, body []byte) bool {
	if v.bypass {
		v.logger.Warn("signature verification bypassed",
			zap.Bool("header_present", header != ""),
		)
		return true
	}
	return Verify(v.secret, header, body)
}
