package cache

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// authFreshnessWindow bounds how old a signed request's timestamp may be
// before it is rejected, per spec.md §4.H.
const authFreshnessWindow = 60 * time.Second

// AuthVerifier checks the HMAC-SHA256 signature and timestamp freshness on
// the wanted-packages POST endpoint (spec.md §4.H).
type AuthVerifier struct {
	secret []byte
}

// NewAuthVerifier builds an AuthVerifier keyed by secret.
func NewAuthVerifier(secret []byte) *AuthVerifier {
	return &AuthVerifier{secret: secret}
}

// Verify checks that sigHex is the hex-encoded HMAC-SHA256 of body keyed by
// secret, and that timestamp is within authFreshnessWindow of now. The
// signature comparison is constant-time on the decoded bytes (SPEC_FULL.md
// §4 "HMAC comparison is constant-time").
func (a *AuthVerifier) Verify(body []byte, sigHex string, timestamp int64, now time.Time) error {
	age := now.Unix() - timestamp
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > authFreshnessWindow {
		return errors.New("auth: timestamp outside freshness window")
	}

	given, err := hex.DecodeString(sigHex)
	if err != nil {
		return errors.Wrap(err, "auth: malformed signature")
	}

	mac := hmac.New(sha256.New, a.secret)
	mac.Write(body)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("\n"))
	want := mac.Sum(nil)

	if subtle.ConstantTimeCompare(given, want) != 1 {
		return errors.New("auth: signature mismatch")
	}
	return nil
}
