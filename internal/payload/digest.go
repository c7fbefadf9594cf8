package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainNotification separates notification digests from any other use.
// The version suffix allows the algorithm to change later.
const DomainNotification = "worldstate/notification/v1"

// Digest returns SHA-256(domain || 0x00 || canonical(v)) as hex.
func Digest(domain string, v Value) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", domain, err)
	}
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
