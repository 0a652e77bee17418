package derivation

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TronAddressVersion is the base58check version byte of TRON addresses.
const TronAddressVersion byte = 0x41

// Deriver turns an account-level extended public key into deposit addresses.
// It performs no I/O and holds no state.
type Deriver struct{}

// Derive returns the external-branch address at index for the given family.
func (Deriver) Derive(xpub string, family Family, index uint64) (string, error) {
	if index >= uint64(hdkeychain.HardenedKeyStart) {
		return "", fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return Visit(family, &addressEncoder{xpub: xpub, index: uint32(index)})
}

// ValidateExtendedKey checks that xpub is a well-formed public extended key.
func ValidateExtendedKey(xpub string) error {
	_, err := parsePublic(xpub)
	return err
}

type addressEncoder struct {
	xpub  string
	index uint32
}

func (e *addressEncoder) VisitEVM(EVM) (string, error) {
	pub, err := e.childKey()
	if err != nil {
		return "", err
	}
	return EVMAddress(pub), nil
}

func (e *addressEncoder) VisitTron(Tron) (string, error) {
	pub, err := e.childKey()
	if err != nil {
		return "", err
	}
	return TronAddress(pub), nil
}

func (e *addressEncoder) VisitUTXO(f UTXO) (string, error) {
	if f.Params == nil {
		return "", fmt.Errorf("%w: utxo family without network params", ErrUnsupportedChainFamily)
	}
	pub, err := e.childKey()
	if err != nil {
		return "", err
	}
	hash := btcutil.Hash160(pub.SerializeCompressed())
	var addr btcutil.Address
	switch f.Script {
	case ScriptP2WPKH:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(hash, f.Params)
	case ScriptP2PKH:
		addr, err = btcutil.NewAddressPubKeyHash(hash, f.Params)
	default:
		return "", fmt.Errorf("%w: script type %q", ErrUnsupportedChainFamily, f.Script)
	}
	if err != nil {
		return "", fmt.Errorf("failed to encode utxo address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

func (e *addressEncoder) VisitHardened(HardenedAccount) (string, error) {
	return "", ErrWatchOnlyUnsupported
}

// childKey walks account xpub -> 0 (external) -> index.
func (e *addressEncoder) childKey() (*btcec.PublicKey, error) {
	account, err := parsePublic(e.xpub)
	if err != nil {
		return nil, err
	}
	external, err := account.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("failed to derive external branch: %w", err)
	}
	child, err := external.Derive(e.index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive index %d: %w", e.index, err)
	}
	return child.ECPubKey()
}

func parsePublic(xpub string) (*hdkeychain.ExtendedKey, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtendedKey, err)
	}
	if key.IsPrivate() {
		return nil, fmt.Errorf("%w: private extended key supplied", ErrInvalidExtendedKey)
	}
	return key, nil
}

// EVMAddress is the EIP-55 checksummed Keccak-256 address of pub.
func EVMAddress(pub *btcec.PublicKey) string {
	return common.BytesToAddress(keccakAddress(pub)).Hex()
}

// TronAddress is the base58check encoding of 0x41 || keccak(pub)[12:].
func TronAddress(pub *btcec.PublicKey) string {
	return base58.CheckEncode(keccakAddress(pub), TronAddressVersion)
}

func keccakAddress(pub *btcec.PublicKey) []byte {
	return crypto.Keccak256(pub.SerializeUncompressed()[1:])[12:]
}
