package dataflows

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// ValidateSymbol checks if a ticker is in a usable format.
func ValidateSymbol(symbol string) error {
	symbol = NormalizeSymbol(symbol)
	if len(symbol) == 0 {
		return fmt.Errorf("symbol cannot be empty")
	}
	if len(symbol) > 16 {
		return fmt.Errorf("symbol too long: %s", symbol)
	}
	return nil
}

// NormalizeSymbol converts symbol to standard format.
func NormalizeSymbol(symbol string) string {
	return strings.TrimSpace(strings.ToUpper(symbol))
}

// stableID derives a short deterministic id from the first non-empty part.
func stableID(parts ...string) string {
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			sum := sha1.Sum([]byte(p))
			return hex.EncodeToString(sum[:10])
		}
	}
	return ""
}
