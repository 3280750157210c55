// Package passwd derives and verifies the salted password hashes stored in
// the directory.
package passwd

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	iterations = 10000
	keyLen     = sha512.Size
)

// Hash returns the hex-encoded PBKDF2-SHA512 hash of password, salted with
// the lower-cased username.
func Hash(username, password string) []byte {
	salt := []byte(strings.ToLower(username))
	key := pbkdf2.Key([]byte(password), salt, iterations, keyLen, sha512.New)
	out := make([]byte, hex.EncodedLen(len(key)))
	hex.Encode(out, key)
	return out
}

// Verify reports whether password hashes to stored for username. The
// comparison runs in constant time.
func Verify(username, password string, stored []byte) bool {
	if len(stored) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(Hash(username, password), stored) == 1
}
