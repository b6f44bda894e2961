package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"securetrack/internal/security"
)

const digestScheme = "sha256"

const saltSize = 16

var errMalformedDigest = errors.New("credential: malformed digest")

// pinDigest returns "sha256$<salt>$<digest>" for pin with a fresh salt.
func pinDigest(pin string) (string, error) {
	salt := make([]byte, saltSize)
	if err := security.GenerateSecureRandom(salt); err != nil {
		return "", err
	}
	return encodeDigest(salt, pin), nil
}

func encodeDigest(salt []byte, pin string) string {
	sum := sha256.Sum256(append(append([]byte{}, salt...), pin...))
	return digestScheme + "$" + hex.EncodeToString(salt) + "$" + hex.EncodeToString(sum[:])
}

// verifyPinDigest recomputes the digest of candidate under the stored salt
// and compares in constant time.
func verifyPinDigest(stored, candidate string) (bool, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 3 || parts[0] != digestScheme {
		return false, errMalformedDigest
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil {
		return false, errMalformedDigest
	}
	return security.SecureCompare([]byte(encodeDigest(salt, candidate)), []byte(stored)), nil
}

func passwordDigest(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyPasswordDigest(stored, candidate string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(candidate)) == nil
}
