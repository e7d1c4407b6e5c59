/*Package credentials generates device secrets and verifies them
without leaking timing information.

Secrets are compared through HMAC-SHA-256 keyed with a server-wide
secret. Hashing first gives every comparison the same fixed-length
work, and a leaked stored secret is not directly usable without the
server key. Nothing in this package ever logs or returns a raw or
hashed secret.
*/
package credentials

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// secretLength is the number of random bytes in a device secret.
// 32 bytes give 256 bits of entropy, hex-encoded to 64 characters.
const secretLength = 32

// GenerateSecret produces a new device secret from the system CSPRNG.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Codec verifies device secrets against a server-wide HMAC key.
type Codec struct {
	serverKey []byte
}

// NewCodec returns a codec keyed with the server secret. The key is
// process-wide and loaded once at startup.
func NewCodec(serverKey []byte) *Codec {
	if len(serverKey) == 0 {
		panic("server secret is missing")
	}
	return &Codec{serverKey: serverKey}
}

// Verify reports whether the provided secret matches the stored one.
// Both values are keyed-hashed before the comparison; hmac.Equal is
// constant time over the fixed-length digests, so a mismatch costs the
// same regardless of where or whether the inputs differ. Differing
// input lengths simply fail the comparison, they never error.
func (c *Codec) Verify(provided, stored string) bool {
	return hmac.Equal(c.digest(provided), c.digest(stored))
}

func (c *Codec) digest(secret string) []byte {
	mac := hmac.New(sha256.New, c.serverKey)
	mac.Write([]byte(secret))
	return mac.Sum(nil)
}
