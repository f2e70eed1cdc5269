package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Gateway header names set by the upstream identity gateway.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRoles = "X-User-Roles"
	HeaderTimestamp = "X-Gateway-Timestamp"
	HeaderSignature = "X-Gateway-Signature"
)

// ErrBadSignature is returned when a gateway signature does not verify.
var ErrBadSignature = errors.New("crypto: bad gateway signature")

// GatewayAuth signs and verifies the identity headers forwarded by the
// gateway. The signature is base64(HMAC-SHA256(secret, ts+method+path+userID)).
type GatewayAuth struct {
	Secret  []byte
	MaxSkew time.Duration
}

// Sign returns the signature for the given request at unix time ts.
func (g GatewayAuth) Sign(ts int64, method, path, userID string) string {
	return hmacSHA256Base64(g.Secret, strconv.FormatInt(ts, 10)+method+path+userID)
}

// Verify checks tsHeader and sig for the request as seen at now.
func (g GatewayAuth) Verify(tsHeader, sig, method, path, userID string, now time.Time) error {
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q", ErrBadSignature, tsHeader)
	}
	skew := g.MaxSkew
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	if d := now.Sub(time.Unix(ts, 0)); d > skew || d < -skew {
		return fmt.Errorf("%w: timestamp outside %s", ErrBadSignature, skew)
	}
	want := g.Sign(ts, method, path, userID)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
