package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

var (
	ErrBadSignature = errors.New("bad signature")

	ErrStaleRequest = errors.New("stale request")
)

// Verifier validates keyed-MAC request signatures with a bounded
// freshness window. The window absorbs clock drift while bounding
// replay exposure without a nonce store.
type Verifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

func NewVerifier(secret string, maxSkew time.Duration) *Verifier {
	if maxSkew == 0 {
		maxSkew = 30 * time.Second
	}
	return &Verifier{
		secret:  []byte(secret),
		maxSkew: maxSkew,
		now:     time.Now,
	}
}

// Sign computes the hex HMAC-SHA256 over "timestamp:body".
func Sign(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(":"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest produces the signature and timestamp header values for an
// outbound request body. Used by labctl and trusted internal callers.
func SignRequest(secret string, body []byte) (signature, timestamp string) {
	timestamp = time.Now().UTC().Format(time.RFC3339)
	return Sign(secret, timestamp, body), timestamp
}

// Verify checks freshness first, then the signature in constant time.
func (v *Verifier) Verify(signature, timestamp string, body []byte) error {
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("%w: unparseable timestamp %q", ErrStaleRequest, timestamp)
	}

	skew := v.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return fmt.Errorf("%w: timestamp drift %s exceeds %s", ErrStaleRequest, skew, v.maxSkew)
	}

	expected := Sign(string(v.secret), timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
