// Package crypto holds the signing and credential-handling primitives used
// by the exchange gateway.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignHMAC returns the lowercase hex HMAC-SHA256 of payload under secret, the
// signature scheme the exchange REST and websocket APIs expect.
func SignHMAC(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
