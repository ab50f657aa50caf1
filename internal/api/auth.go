package api

import (
	"crypto/hmac"
	"fmt"
	"strconv"
	"time"

	"optionsim/pkg/types"
)

const errCodeUnauthorized = "UNAUTHORIZED"

// Verifier checks HMAC-SHA256 request signatures against per-team
// shared secrets. The signature construction lives in types.Sign so the
// client SDK and the server cannot drift apart.
type Verifier struct {
	secret func(team string) (string, bool)
	skew   time.Duration
}

// NewVerifier creates a verifier. secret resolves a team ID to its
// shared secret; skew bounds how far a request timestamp may drift from
// server time in either direction.
func NewVerifier(secret func(team string) (string, bool), skew time.Duration) *Verifier {
	return &Verifier{secret: secret, skew: skew}
}

// Verify authenticates one request. A nil return means the team is who
// it claims to be and the body was not altered in flight.
func (v *Verifier) Verify(team, timestamp, signature, method, path string, body []byte, now time.Time) *types.APIError {
	if team == "" || timestamp == "" || signature == "" {
		return &types.APIError{
			Code:    errCodeUnauthorized,
			Message: "missing authentication headers",
		}
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &types.APIError{
			Code:    errCodeUnauthorized,
			Message: fmt.Sprintf("unparseable timestamp %q", timestamp),
		}
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.skew {
		return &types.APIError{
			Code:    errCodeUnauthorized,
			Message: "request timestamp outside the allowed window",
			Details: fmt.Sprintf("drift %s exceeds %s", drift, v.skew),
		}
	}

	secret, ok := v.secret(team)
	if !ok {
		return &types.APIError{
			Code:    errCodeUnauthorized,
			Message: fmt.Sprintf("unknown team %q", team),
		}
	}
	want := types.Sign(secret, timestamp, method, path, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return &types.APIError{
			Code:    errCodeUnauthorized,
			Message: "invalid signature",
		}
	}
	return nil
}
