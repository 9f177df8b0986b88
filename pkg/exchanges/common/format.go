package common

import (
	"net/url"
	"strconv"
)

// FormatFloat renders v without exponent and without trailing zeros.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// CloneValues returns a deep copy of v so signing never mutates caller params.
func CloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+2)
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// ParseFloat parses a venue decimal string, treating blanks as zero.
func ParseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
