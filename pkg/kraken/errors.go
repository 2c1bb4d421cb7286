package kraken

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTransport tags network-level failures so callers can distinguish them
// from exchange rejections.
var ErrTransport = errors.New("kraken: transport failure")

// ErrParse tags malformed responses.
var ErrParse = errors.New("kraken: parse failure")

// ExchangeError is returned when the API responds with a non-empty error
// array.
type ExchangeError struct {
	Endpoint string
	Messages []string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("kraken: %s: %s", e.Endpoint, strings.Join(e.Messages, "; "))
}

// IsExchangeError reports whether err carries an exchange error whose text
// contains substr.
func IsExchangeError(err error, substr string) bool {
	var exchErr *ExchangeError
	if !errors.As(err, &exchErr) {
		return false
	}
	if substr == "" {
		return true
	}
	for _, msg := range exchErr.Messages {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
