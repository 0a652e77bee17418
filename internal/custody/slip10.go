package custody

import (
	"crypto/ed25519"
	"fmt"

	"github.com/anyproto/go-slip10"
)

// hardenedPath renders m/44'/coin'/index'/0'. Every ed25519 SLIP-10 step is hardened.
func hardenedPath(coinType uint32, index uint64) string {
	return fmt.Sprintf("m/44'/%d'/%d'/0'", coinType, index)
}

// hardenedPublicKey derives the ed25519 public key at path from seed.
func hardenedPublicKey(seed []byte, path string) (ed25519.PublicKey, error) {
	node, err := slip10.DeriveForPath(path, seed)
	if err != nil {
		return nil, fmt.Errorf("failed to derive %s: %w", path, err)
	}
	pub, _ := node.Keypair()
	return pub, nil
}
