package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the API credentials for signed CEX REST requests.
type HMACAuth struct {
	Key    string // API key, sent in a header
	Secret string // API secret, HMAC key
}

// Sign computes HMAC-SHA256 over payload with the secret and returns
// the lowercase hex digest. Binance-style venues sign the full query
// string (including the timestamp parameter) this way.
func (h *HMACAuth) Sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedQuery appends timestamp, optional recvWindow, and the signature
// to a raw query string, producing the final query for a signed
// endpoint.
func (h *HMACAuth) SignedQuery(rawQuery string, recvWindowMs int) string {
	return h.SignedQueryAt(rawQuery, recvWindowMs, time.Now().UnixMilli())
}

// SignedQueryAt is SignedQuery with a caller-supplied millisecond
// timestamp for deterministic tests.
func (h *HMACAuth) SignedQueryAt(rawQuery string, recvWindowMs int, unixMilli int64) string {
	q := rawQuery
	if q != "" {
		q += "&"
	}
	q += "timestamp=" + strconv.FormatInt(unixMilli, 10)
	if recvWindowMs > 0 {
		q += "&recvWindow=" + strconv.Itoa(recvWindowMs)
	}
	return q + "&signature=" + h.Sign(q)
}

// Headers returns the authentication headers for a signed request.
func (h *HMACAuth) Headers() map[string]string {
	return map[string]string{
		"X-MBX-APIKEY": h.Key,
	}
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
