// Package money provides parsing and formatting for settlement amounts.
//
// All amounts are carried as int64 in the smallest currency unit
// (1 unit of the settlement asset = 1,000,000 micro-units). No floating
// point anywhere in the settlement path.
package money

import (
	"fmt"
	"strings"
)

// Decimals is the number of decimal places in the settlement asset.
const Decimals = 6

const unit = 1_000_000 // 10^Decimals

// Parse converts a decimal string (e.g. "0.05") to micro-units (50000).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	var wholeVal, fracVal int64
	if whole != "" {
		if _, err := fmt.Sscanf(whole, "%d", &wholeVal); err != nil || wholeVal < 0 {
			return 0, false
		}
		for _, r := range whole {
			if r < '0' || r > '9' {
				return 0, false
			}
		}
	}
	if _, err := fmt.Sscanf(frac, "%d", &fracVal); err != nil {
		return 0, false
	}
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, false
		}
	}

	// Overflow guard: amounts above ~9.2 trillion units are rejected.
	if wholeVal > (1<<63-1)/unit {
		return 0, false
	}
	return wholeVal*unit + fracVal, true
}

// Format converts micro-units to a decimal string, trimming trailing
// zeros (e.g. 50000 → "0.05", 1000000 → "1").
func Format(amount int64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	s := fmt.Sprintf("%d.%06d", amount/unit, amount%unit)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if neg {
		s = "-" + s
	}
	return s
}
