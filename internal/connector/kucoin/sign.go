package kucoin

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"
)

// Signer implements kucoin API key v2 authentication. Both the request
// signature and the passphrase header are HMAC-SHA256 over the api secret.
type Signer struct {
	apiKey     string
	apiSecret  string
	passphrase string
}

func NewSigner(apiKey, apiSecret, passphrase string) *Signer {
	return &Signer{apiKey: apiKey, apiSecret: apiSecret, passphrase: passphrase}
}

func (s *Signer) Sign(req *http.Request, body []byte) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(ts + req.Method + path + string(body)))

	pass := hmac.New(sha256.New, []byte(s.apiSecret))
	pass.Write([]byte(s.passphrase))

	req.Header.Set("KC-API-KEY", s.apiKey)
	req.Header.Set("KC-API-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("KC-API-TIMESTAMP", ts)
	req.Header.Set("KC-API-PASSPHRASE", base64.StdEncoding.EncodeToString(pass.Sum(nil)))
	req.Header.Set("KC-API-KEY-VERSION", "2")
	return nil
}
