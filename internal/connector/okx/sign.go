package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"time"
)

// Signer implements okx v5 request authentication. The prehash string is
// timestamp + method + request path (including query) + body, signed with
// HMAC-SHA256 and base64 encoded.
type Signer struct {
	apiKey     string
	apiSecret  string
	passphrase string
}

func NewSigner(apiKey, apiSecret, passphrase string) *Signer {
	return &Signer{apiKey: apiKey, apiSecret: apiSecret, passphrase: passphrase}
}

func (s *Signer) Sign(req *http.Request, body []byte) error {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(ts + req.Method + path + string(body)))

	req.Header.Set("OK-ACCESS-KEY", s.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", s.passphrase)
	return nil
}
