package validation

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
)

const tronAddressVersion = 0x41

// ValidateAddress checks that addr is well formed for the chain family
// (evm, utxo, tron, hardened).
func ValidateAddress(family, addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	switch family {
	case "evm":
		if !common.IsHexAddress(addr) || !strings.HasPrefix(strings.ToLower(addr), "0x") {
			return fmt.Errorf("invalid hex address %q", addr)
		}
	case "tron":
		payload, version, err := base58.CheckDecode(addr)
		if err != nil {
			return fmt.Errorf("invalid tron address: %w", err)
		}
		if version != tronAddressVersion || len(payload) != 20 {
			return fmt.Errorf("invalid tron address %q", addr)
		}
	case "utxo":
		if _, _, err := bech32.Decode(strings.ToLower(addr)); err == nil {
			return nil
		}
		payload, _, err := base58.CheckDecode(addr)
		if err != nil {
			return fmt.Errorf("invalid utxo address: %w", err)
		}
		if len(payload) != 20 {
			return fmt.Errorf("invalid utxo address length: %d", len(payload))
		}
	case "hardened":
		if n := len(base58.Decode(addr)); n != 32 {
			return fmt.Errorf("invalid account address length: expected 32 bytes, got %d", n)
		}
	default:
		return fmt.Errorf("unknown chain family %q", family)
	}
	return nil
}

// NormalizeAddress returns the form addresses are stored in: EIP-55 for EVM,
// lowercase for bech32, unchanged for base58.
func NormalizeAddress(family, addr string) string {
	addr = strings.TrimSpace(addr)
	switch family {
	case "evm":
		if common.IsHexAddress(addr) {
			return common.HexToAddress(addr).Hex()
		}
	case "utxo":
		if lower := strings.ToLower(addr); strings.Contains(lower, "1") {
			if _, _, err := bech32.Decode(lower); err == nil {
				return lower
			}
		}
	}
	return addr
}

// ValidateAndNormalizeAddress validates an address and returns its normalized form
func ValidateAndNormalizeAddress(family, addr string) (string, error) {
	if err := ValidateAddress(family, addr); err != nil {
		return "", err
	}
	return NormalizeAddress(family, addr), nil
}
