package marketdata

import (
	"regexp"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
)

// SymbolPattern is the ticker grammar accepted everywhere a symbol becomes part of a
// cache path.
const SymbolPattern = `[A-Za-z][A-Za-z0-9.]{0,15}`

var symbolRegexp = regexp.MustCompile(`^` + SymbolPattern + `$`)

func ValidSymbol(symbol string) bool {
	return symbolRegexp.MatchString(symbol)
}

func validateSymbol(symbol string) error {
	if !ValidSymbol(symbol) {
		return &backtesterrors.ErrValidation{Field: "symbol", Value: symbol, Message: "not a ticker symbol"}
	}
	return nil
}
