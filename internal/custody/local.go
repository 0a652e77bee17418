package custody

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/tyler-smith/go-bip39"

	"github.com/core-coin/pecunia/internal/derivation"
	"github.com/core-coin/pecunia/internal/vault"
)

const mnemonicEntropyBits = 256

// LocalCustody keeps BIP39 mnemonics sealed by the vault in the wallet row.
// It is meant for development and single-operator deployments; production
// deployments put an HSM-backed implementation behind the same interface.
type LocalCustody struct {
	vault *vault.Vault
}

func NewLocalCustody(v *vault.Vault) *LocalCustody {
	return &LocalCustody{vault: v}
}

// GenerateWallet creates a fresh mnemonic and exports the account xpub.
func (c *LocalCustody) GenerateWallet(ctx context.Context, family derivation.Family) (*WalletKeys, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return c.importMnemonic(family, mnemonic)
}

// ImportMnemonic seals an existing mnemonic. Used for migrations and tests.
func (c *LocalCustody) ImportMnemonic(family derivation.Family, mnemonic string) (*WalletKeys, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return c.importMnemonic(family, mnemonic)
}

func (c *LocalCustody) importMnemonic(family derivation.Family, mnemonic string) (*WalletKeys, error) {
	seed := bip39.NewSeed(mnemonic, "")
	xpub, err := derivation.Visit(family, &xpubExporter{seed: seed})
	if err != nil {
		return nil, err
	}
	sealed, err := c.vault.Encrypt([]byte(mnemonic))
	if err != nil {
		return nil, fmt.Errorf("failed to seal seed: %w", err)
	}
	return &WalletKeys{
		ExtendedPublicKey: xpub,
		Handle:            "local:" + uuid.NewString(),
		SealedSeed:        sealed,
	}, nil
}

// DeriveAddress unseals the mnemonic and derives the address at index.
// A seal that fails authentication surfaces vault.ErrCorruptedSecret.
func (c *LocalCustody) DeriveAddress(ctx context.Context, ref KeyRef, family derivation.Family, index uint64) (string, error) {
	if len(ref.SealedSeed) == 0 {
		return "", fmt.Errorf("%w: no sealed seed for %s", ErrCustodyUnavailable, ref.Handle)
	}
	mnemonic, err := c.vault.Decrypt(ref.SealedSeed)
	if err != nil {
		return "", fmt.Errorf("failed to unseal %s: %w", ref.Handle, err)
	}
	seed := bip39.NewSeed(string(mnemonic), "")
	return derivation.Visit(family, &privilegedDeriver{seed: seed, index: index})
}

// xpubExporter returns the account xpub for families with public derivation
// and nothing for fully hardened ones.
type xpubExporter struct {
	seed []byte
}

func (x *xpubExporter) export(f derivation.Family) (string, error) {
	root, err := hdkeychain.NewMaster(x.seed, &chaincfg.MainNetParams)
	if err != nil {
		return "", fmt.Errorf("failed to create master key: %w", err)
	}
	account, err := derivation.DerivePath(root, f.AccountPath())
	if err != nil {
		return "", err
	}
	pub, err := account.Neuter()
	if err != nil {
		return "", fmt.Errorf("failed to neuter account key: %w", err)
	}
	return pub.String(), nil
}

func (x *xpubExporter) VisitEVM(f derivation.EVM) (string, error)   { return x.export(f) }
func (x *xpubExporter) VisitUTXO(f derivation.UTXO) (string, error) { return x.export(f) }
func (x *xpubExporter) VisitTron(f derivation.Tron) (string, error) { return x.export(f) }
func (x *xpubExporter) VisitHardened(derivation.HardenedAccount) (string, error) {
	return "", nil
}

type privilegedDeriver struct {
	seed  []byte
	index uint64
}

func (p *privilegedDeriver) viaXpub(f derivation.Family) (string, error) {
	xpub, err := (&xpubExporter{seed: p.seed}).export(f)
	if err != nil {
		return "", err
	}
	return derivation.Deriver{}.Derive(xpub, f, p.index)
}

func (p *privilegedDeriver) VisitEVM(f derivation.EVM) (string, error)   { return p.viaXpub(f) }
func (p *privilegedDeriver) VisitUTXO(f derivation.UTXO) (string, error) { return p.viaXpub(f) }
func (p *privilegedDeriver) VisitTron(f derivation.Tron) (string, error) { return p.viaXpub(f) }

// VisitHardened derives m/44'/coin'/index'/0' over ed25519 and encodes the
// public key in base58, the Solana account format.
func (p *privilegedDeriver) VisitHardened(f derivation.HardenedAccount) (string, error) {
	if p.index >= uint64(hdkeychain.HardenedKeyStart) {
		return "", fmt.Errorf("%w: %d", derivation.ErrIndexOutOfRange, p.index)
	}
	pub, err := hardenedPublicKey(p.seed, hardenedPath(f.CoinType, p.index))
	if err != nil {
		return "", err
	}
	return base58.Encode(pub), nil
}
