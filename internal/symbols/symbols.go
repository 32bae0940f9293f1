// Package symbols translates between the platform's canonical symbol format
// (BASE-QUOTE, e.g. BTC-USDT) and each exchange's native format. No
// component outside the connectors should ever see a native symbol.
package symbols

import "strings"

// knownQuotes is consulted when splitting concatenated native symbols such
// as BTCUSDT. Longest suffixes are listed first.
var knownQuotes = []string{"USDT", "USDC", "TUSD", "BUSD", "USD", "EUR", "GBP", "BTC", "ETH", "BNB"}

// ToNative converts a canonical symbol to the exchange's native format.
func ToNative(exchange, canonical string) string {
	base, quote, ok := Split(canonical)
	if !ok {
		return canonical
	}
	switch strings.ToLower(exchange) {
	case "binance", "bybit":
		return base + quote
	case "kucoin", "okx", "coinbase":
		return base + "-" + quote
	case "kraken":
		if base == "BTC" {
			base = "XBT"
		}
		return base + "/" + quote
	default:
		return canonical
	}
}

// ToCanonical converts an exchange-native symbol back to canonical form.
func ToCanonical(exchange, native string) string {
	sym := strings.ToUpper(native)
	switch strings.ToLower(exchange) {
	case "binance", "bybit":
		for _, q := range knownQuotes {
			if strings.HasSuffix(sym, q) && len(sym) > len(q) {
				return sym[:len(sym)-len(q)] + "-" + q
			}
		}
		return sym
	case "kucoin", "okx", "coinbase":
		return sym
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "-")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
		return sym
	default:
		return sym
	}
}

// Split breaks a canonical symbol into base and quote assets.
func Split(canonical string) (base, quote string, ok bool) {
	parts := strings.SplitN(strings.ToUpper(canonical), "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Valid reports whether the symbol is well-formed canonical BASE-QUOTE.
func Valid(canonical string) bool {
	_, _, ok := Split(canonical)
	return ok
}
