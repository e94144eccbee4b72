// Package helpers - byte-slice utilities.
package helpers

import (
	"crypto/subtle"
)

// ConstantTimeCompare reports whether a and b are equal without leaking
// timing information. Slices of different length compare unequal.
func ConstantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
