package types

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Request authentication headers. Every mutating or team-scoped request
// carries all three.
const (
	HeaderTeam      = "OPTX_TEAM"
	HeaderTimestamp = "OPTX_TIMESTAMP"
	HeaderSignature = "OPTX_SIGNATURE"
)

// Sign computes the request signature shared by the server and every
// client: HMAC-SHA256 over timestamp + method + path + body with the
// team's shared secret, base64 URL-encoded.
func Sign(secret, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}
