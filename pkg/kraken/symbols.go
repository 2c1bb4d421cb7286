package kraken

import (
	"regexp"
	"strings"
)

// quoteSuffixes lists known quote currencies ordered longest first so that a
// separator-free input like "DOGEUSDT" splits at the longest match.
var quoteSuffixes = []string{
	"USDT", "USDC", "ZUSD", "ZEUR", "ZGBP", "ZCAD", "ZJPY", "ZAUD",
	"DAI", "EUR", "USD", "GBP", "CAD", "CHF", "JPY", "AUD", "NZD",
	"BTC", "XBT", "ETH", "SOL", "DOT", "ADA", "TRY", "MXN",
}

var separatorRe = regexp.MustCompile(`[:\-\s/]+`)

// Pair holds both spellings of a trading pair: the slashed WebSocket form
// and the flat REST form.
type Pair struct {
	WS   string // e.g. "DOGE/USD"
	REST string // e.g. "DOGEUSD"
}

// NormalizePair canonicalises user input such as "DOGEUSD", "doge-usd" or
// "DOGE/USD". Separators collapse to a single slash; separator-free input is
// split at the longest known quote suffix. Inputs with no recognisable quote
// are returned as-is in flat form.
func NormalizePair(input string) Pair {
	s := strings.ToUpper(strings.TrimSpace(input))
	s = separatorRe.ReplaceAllString(s, "/")
	s = strings.Trim(s, "/")

	if parts := strings.Split(s, "/"); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return Pair{WS: parts[0] + "/" + parts[1], REST: parts[0] + parts[1]}
	}

	flat := strings.ReplaceAll(s, "/", "")
	for _, quote := range quoteSuffixes {
		if strings.HasSuffix(flat, quote) && len(flat) > len(quote) {
			base := strings.TrimSuffix(flat, quote)
			return Pair{WS: base + "/" + quote, REST: base + quote}
		}
	}
	return Pair{WS: flat, REST: flat}
}

// CanonicalSymbol uppercases a channel symbol and strips the slash, the form
// used for subscription registry keys.
func CanonicalSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(symbol)), "/", "")
}
