package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// nonceCounter guarantees a strictly increasing nonce even when two signed
// requests land in the same millisecond, which Kraken's API requires.
var nonceCounter int64

func nextNonce() string {
	ms := time.Now().UnixMilli()
	seq := atomic.AddInt64(&nonceCounter, 1) % 1000
	return strconv.FormatInt(ms*1000+seq, 10)
}

// signRequest implements Kraken's private-endpoint signature:
// HMAC-SHA512(path + SHA256(nonce + postdata), base64-decoded secret).
func signRequest(path, nonce, postdata string, secret []byte) (string, error) {
	shaSum := sha256.Sum256([]byte(nonce + postdata))

	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(shaSum[:])

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func decodeSecret(apiSecret string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("decode api secret: %w", err)
	}
	return secret, nil
}

func encodeForm(values url.Values) string {
	return values.Encode()
}
