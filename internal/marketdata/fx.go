package marketdata

import (
	"errors"
	"fmt"
	"regexp"
)

// fxRegex matches an FX cross-rate symbol: {FROM}{TO}=X with two ISO 4217
// codes. Example: EURUSD=X quotes 1 EUR in USD.
var fxRegex = regexp.MustCompile(`^([A-Z]{3})([A-Z]{3})=X$`)

var (
	ErrInvalidFXSymbol = errors.New("marketdata: invalid fx symbol format")
	ErrInvalidCurrency = errors.New("marketdata: invalid currency code")
)

var currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// FXSymbol builds the provider symbol quoting one unit of from in to.
// Same-currency conversion needs no quote; the empty string is returned and
// callers apply the identity rate.
func FXSymbol(from, to string) (string, error) {
	if !currencyRegex.MatchString(from) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, from)
	}
	if !currencyRegex.MatchString(to) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, to)
	}
	if from == to {
		return "", nil
	}
	return fmt.Sprintf("%s%s=X", from, to), nil
}

// ParseFXSymbol splits an FX cross-rate symbol into its currency pair.
func ParseFXSymbol(symbol string) (from, to string, err error) {
	matches := fxRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return "", "", fmt.Errorf("%w: %s (expected {FROM}{TO}=X)", ErrInvalidFXSymbol, symbol)
	}
	return matches[1], matches[2], nil
}

// IsFXSymbol reports whether the symbol is an FX cross rate.
func IsFXSymbol(symbol string) bool {
	return fxRegex.MatchString(symbol)
}
