package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signature headers attached to every delivery.
const (
	HeaderSignature      = "X-Proveniq-Signature"
	HeaderTimestamp      = "X-Proveniq-Timestamp"
	HeaderSubscriptionID = "X-Proveniq-Subscription-Id"
)

// Sign computes the hex HMAC-SHA256 of body under the subscription secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time. Receivers
// embed this; the worker itself only signs.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
