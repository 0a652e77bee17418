// Package custody is the boundary to key custody. The gateway only ever asks
// it for public material: an account-level extended public key at wallet
// initialization, and single addresses for chain families that cannot be
// derived watch-only.
package custody

import (
	"context"
	"errors"

	"github.com/core-coin/pecunia/internal/derivation"
)

var ErrCustodyUnavailable = errors.New("custody unavailable")

// WalletKeys is what custody hands back for a new master wallet.
type WalletKeys struct {
	// ExtendedPublicKey is empty for families without public derivation.
	ExtendedPublicKey string
	// Handle identifies the key inside custody.
	Handle string
	// SealedSeed is vault-sealed seed material when custody is local.
	SealedSeed []byte
}

// KeyRef locates an existing key at the custody boundary.
type KeyRef struct {
	Handle     string
	SealedSeed []byte
}

// Custody generates wallets and derives addresses on the privileged path.
type Custody interface {
	GenerateWallet(ctx context.Context, family derivation.Family) (*WalletKeys, error)
	DeriveAddress(ctx context.Context, ref KeyRef, family derivation.Family, index uint64) (string, error)
}
