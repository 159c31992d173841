package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MicrosPerUnit is the number of Money minor units in one currency unit.
const MicrosPerUnit = 1_000_000

// Money is an amount in micro-units (1e-6) of the account currency. Integer-only
// arithmetic keeps ledger sums exact.
type Money int64

// Units builds Money from whole units plus micros, e.g. Units(1, 200000) is 1.2.
func Units(whole int64, micros int64) Money {
	return Money(whole*MicrosPerUnit + micros)
}

// ParseMoney parses a decimal string with at most six fractional digits.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("parse money: empty string")
	}
	neg := false
	if s[0] == '-' || s[0] == '+' {
		neg = s[0] == '-'
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("parse money %q: more than 6 fractional digits", s)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", s, err)
	}
	var f int64
	if frac != "" {
		f, err = strconv.ParseInt(frac+strings.Repeat("0", 6-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse money %q: %w", s, err)
		}
	}
	m := Money(w*MicrosPerUnit + f)
	if neg {
		m = -m
	}
	return m, nil
}

// String renders the amount with six fractional digits.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/MicrosPerUnit, v%MicrosPerUnit)
}

// Micros returns the raw minor-unit count.
func (m Money) Micros() int64 { return int64(m) }

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Money) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "null" || raw == "" {
		*m = 0
		return nil
	}
	parsed, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
