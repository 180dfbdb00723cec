package domain

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Amount bounds of the payments.amount NUMERIC(14,2) column.
const (
	MinAmount = 0.01
	MaxAmount = 1e12
)

// CheckAmount reports whether amount can be stored without rounding to zero or
// overflowing the column.
func CheckAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Errorf("amount must be a finite number")
	}
	if amount < MinAmount {
		return fmt.Errorf("amount must be at least %.2f", MinAmount)
	}
	if amount >= MaxAmount {
		return fmt.Errorf("amount must be below %.0f", MaxAmount)
	}
	return nil
}

// CheckText rejects values PostgreSQL text columns cannot hold.
func CheckText(field, value string) error {
	if !utf8.ValidString(value) {
		return fmt.Errorf("%s is not valid UTF-8", field)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%s contains a NUL byte", field)
	}
	return nil
}
