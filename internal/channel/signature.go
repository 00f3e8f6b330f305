package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// MaxSignatureAge is the replay window for signed requests.
const MaxSignatureAge = 300 * time.Second

// Signature header names. The Slack-prefixed forms are accepted as aliases.
const (
	HeaderSignature        = "X-Signature"
	HeaderTimestamp        = "X-Request-Timestamp"
	HeaderSlackSignature   = "X-Slack-Signature"
	HeaderSlackTimestamp   = "X-Slack-Request-Timestamp"
	signatureVersionPrefix = "v0"
)

// VerifySignature checks a v0 request signature:
// "v0=" + hex(HMAC-SHA256(secret, "v0:" + timestamp + ":" + body)).
// The timestamp must be an integer number of seconds within MaxSignatureAge of now.
func VerifySignature(body []byte, signature, timestamp, secret string, now time.Time) bool {
	if signature == "" || timestamp == "" || secret == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := now.Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > MaxSignatureAge {
		return false
	}

	expected := ComputeSignature(body, timestamp, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ComputeSignature returns the v0 signature for body at timestamp.
func ComputeSignature(body []byte, timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureVersionPrefix + ":" + timestamp + ":"))
	mac.Write(body)
	return signatureVersionPrefix + "=" + hex.EncodeToString(mac.Sum(nil))
}
