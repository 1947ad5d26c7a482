package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// verifySignature checks the keyed hash over the exact raw body bytes. The
// comparison is constant-time.
func verifySignature(secret []byte, body []byte, signatureBase64 string) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	provided, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false
	}
	return hmac.Equal(mac.Sum(nil), provided)
}

// SignBody produces the signature header value a sender would attach. Used by
// tests and local tooling.
func SignBody(secret []byte, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
