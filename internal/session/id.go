package session

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// idEntropyBytes gives comfortably more than the 40-bit floor spec.md §3/§9
// requires.
const idEntropyBytes = 8

// generateID returns a CSPRNG-derived, base-36-encoded session id.
// Uniqueness within the process lifetime is the registry's responsibility
// (it retries on collision); see Registry.Create.
func generateID() string {
	buf := make([]byte, idEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		// Entropy failure is a fatal, unrecoverable condition: a weak or
		// predictable session id defeats the whole scheme.
		panic(fmt.Sprintf("session: crypto/rand failed: %v", err))
	}
	n := new(big.Int).SetBytes(buf)
	return n.Text(36)
}
