package util

import (
	"crypto/subtle"
)

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskCredential truncates a credential for log output.
func MaskCredential(cred string) string {
	if len(cred) <= 8 {
		return "****"
	}
	return cred[:8] + "****"
}
