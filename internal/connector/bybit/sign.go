package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

const recvWindow = "5000"

// Signer implements bybit v5 request authentication: the signature covers
// timestamp, api key, recv window and the query string or JSON body.
type Signer struct {
	apiKey    string
	apiSecret string
}

func NewSigner(apiKey, apiSecret string) *Signer {
	return &Signer{apiKey: apiKey, apiSecret: apiSecret}
}

func (s *Signer) Sign(req *http.Request, body []byte) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	payload := req.URL.RawQuery
	if len(body) > 0 {
		payload = string(body)
	}
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(ts + s.apiKey + recvWindow + payload))

	req.Header.Set("X-BAPI-API-KEY", s.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
	return nil
}
