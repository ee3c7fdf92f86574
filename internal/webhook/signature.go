package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// SignaturePrefix marks the signing scheme version on the wire.
const SignaturePrefix = "v1,"

// Sign computes the signature for one delivery: base64(HMAC-SHA256(secret,
// "{id}.{timestamp}.{payload}")) with the version prefix.
func Sign(secret []byte, id, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return SignaturePrefix + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a supplied signature header against the recomputed value
// in constant time. The header may carry several space-separated
// signatures (key rotation); any one match accepts.
func Verify(secret []byte, id, timestamp string, payload []byte, header string) bool {
	if id == "" || timestamp == "" || header == "" {
		return false
	}
	want := Sign(secret, id, timestamp, payload)
	for _, candidate := range strings.Fields(header) {
		if hmac.Equal([]byte(candidate), []byte(want)) {
			return true
		}
	}
	return false
}
