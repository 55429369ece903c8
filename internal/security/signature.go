package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the HMAC of a client request body
const SignatureHeader = "X-AMPOS-Signature"

const signaturePrefix = "sha256="

// SignBody returns the signature header value for body keyed by the license key.
func SignBody(licenseKey string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(licenseKey))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a header value produced by SignBody.
func VerifySignature(licenseKey string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(SignBody(licenseKey, body)), []byte(header))
}
