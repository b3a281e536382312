package util

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

// Base32 characters, but lowercased.
const lowerBase32Chars = "abcdefghijklmnopqrstuvwxyz234567"

// base32 encoder that uses lowered characters without padding.
var base32Lower = base32.NewEncoding(lowerBase32Chars).WithPadding(base32.NoPadding)

// CryptoRandomBytes generates cryptographically secure random bytes
func CryptoRandomBytes(length int64) ([]byte, error) {
	buf := make([]byte, length)
	_, err := rand.Read(buf)
	return buf, err
}

// CryptoRandomString generates a random hex string for salts
func CryptoRandomString(length int) (string, error) {
	bytes, err := CryptoRandomBytes(int64((length + 1) / 2))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes)[:length], nil
}

// RandomBase32 returns n random bytes encoded as unpadded lowercase base32.
func RandomBase32(n int64) (string, error) {
	b, err := CryptoRandomBytes(n)
	if err != nil {
		return "", err
	}
	return base32Lower.EncodeToString(b), nil
}

// HashToken returns PBKDF2 hash of token with salt
func HashToken(token, salt string) string {
	hash := pbkdf2.Key([]byte(token), []byte(salt), 10000, 50, sha256.New)
	return hex.EncodeToString(hash)
}

// VerifyTokenHash compares a plaintext token against a stored PBKDF2 hash
// in constant time.
func VerifyTokenHash(token, salt, hash string) bool {
	computed := HashToken(token, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// TokenLookupID returns the indexed, non-secret fragment of a token used to
// narrow candidate rows before hash verification.
func TokenLookupID(token string) string {
	if len(token) < 8 {
		return token
	}
	return token[len(token)-8:]
}

// SHA256Hex returns the SHA-256 hash of s as a lowercase hex string.
// Intended for use with high-entropy, unguessable values (e.g., randomly
// generated codes); for such inputs, a salt is not required for security.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
