package utils

import (
	"fmt"
	"math"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var (
	displayCurrency = currency.USD
	displayPrinter  = message.NewPrinter(language.AmericanEnglish)
)

// SetDisplayCurrency sets the ISO 4217 currency used by FormatAmount.
func SetDisplayCurrency(code string) error {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Errorf("unknown currency %q: %w", code, err)
	}
	displayCurrency = unit
	return nil
}

// FormatAmount renders minor units in the display currency, e.g. "$ 12.50".
func FormatAmount(minor int64) string {
	return FormatMinor(minor, displayCurrency)
}

// FormatMinor renders an amount held in minor units of unit.
func FormatMinor(minor int64, unit currency.Unit) string {
	scale, _ := currency.Standard.Rounding(unit)
	major := float64(minor) / math.Pow10(scale)
	return displayPrinter.Sprint(currency.Symbol(unit.Amount(major)))
}
