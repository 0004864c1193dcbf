package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

var signatureHeaders = []string{"X-Graphy-Signature", "X-Webhook-Signature"}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature accepts the first signature header present, with or
// without a "sha256=" prefix.
func verifySignature(secret string, header http.Header, body []byte) bool {
	var provided string
	for _, name := range signatureHeaders {
		if v := strings.TrimSpace(header.Get(name)); v != "" {
			provided = v
			break
		}
	}
	if provided == "" {
		return false
	}
	provided = strings.TrimPrefix(strings.ToLower(provided), "sha256=")

	got, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
