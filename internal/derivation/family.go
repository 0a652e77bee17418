package derivation

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// FamilyTag is the persisted name of a chain family.
type FamilyTag string

const (
	TagEVM      FamilyTag = "evm"
	TagUTXO     FamilyTag = "utxo"
	TagTron     FamilyTag = "tron"
	TagHardened FamilyTag = "hardened"
)

// ScriptType selects the output script used for UTXO deposit addresses.
type ScriptType string

const (
	ScriptP2WPKH ScriptType = "p2wpkh"
	ScriptP2PKH  ScriptType = "p2pkh"
)

// Well-known SLIP-44 coin types.
const (
	CoinTypeBitcoin        uint32 = 0
	CoinTypeBitcoinTestnet uint32 = 1
	CoinTypeLitecoin       uint32 = 2
	CoinTypeDogecoin       uint32 = 3
	CoinTypeEther          uint32 = 60
	CoinTypeTron           uint32 = 195
	CoinTypeSolana         uint32 = 501
)

var (
	ErrUnsupportedChainFamily = errors.New("unsupported chain family")
	ErrInvalidExtendedKey     = errors.New("invalid extended public key")
	// ErrWatchOnlyUnsupported is returned for families whose addresses cannot
	// be derived from an extended public key. Those must go through custody.
	ErrWatchOnlyUnsupported = errors.New("chain family requires private key derivation")
	ErrIndexOutOfRange      = errors.New("derivation index out of range")
)

// Family is a closed set of chain families. Only the types in this package
// implement it; callers dispatch through a Visitor so that adding a family
// breaks every visitor until it is handled.
type Family interface {
	Tag() FamilyTag
	// AccountPath is the hardened prefix held by custody; the watch-only
	// extended key is exported at this level.
	AccountPath() string
	// PathTemplate is the full path with an {index} placeholder.
	PathTemplate() string
	accept(v Visitor) (string, error)
}

// Visitor handles every chain family.
type Visitor interface {
	VisitEVM(f EVM) (string, error)
	VisitUTXO(f UTXO) (string, error)
	VisitTron(f Tron) (string, error)
	VisitHardened(f HardenedAccount) (string, error)
}

// Visit dispatches f to the matching visitor method.
func Visit(f Family, v Visitor) (string, error) {
	if f == nil {
		return "", ErrUnsupportedChainFamily
	}
	return f.accept(v)
}

// EVM is the account model shared by Ethereum-like chains. Contract tokens on
// the chain reuse the native key branch.
type EVM struct{}

func (EVM) Tag() FamilyTag                     { return TagEVM }
func (EVM) AccountPath() string                { return "m/44'/60'/0'" }
func (EVM) PathTemplate() string               { return "m/44'/60'/0'/0/{index}" }
func (f EVM) accept(v Visitor) (string, error) { return v.VisitEVM(f) }

// UTXO is a per-coin BIP44/BIP84 branch.
type UTXO struct {
	CoinType uint32
	Script   ScriptType
	Params   *chaincfg.Params
}

func (f UTXO) Tag() FamilyTag { return TagUTXO }

func (f UTXO) AccountPath() string {
	return fmt.Sprintf("m/%d'/%d'/0'", f.purpose(), f.CoinType)
}

func (f UTXO) PathTemplate() string {
	return f.AccountPath() + "/0/{index}"
}

func (f UTXO) accept(v Visitor) (string, error) { return v.VisitUTXO(f) }

func (f UTXO) purpose() uint32 {
	if f.Script == ScriptP2WPKH {
		return 84
	}
	return 44
}

// Tron uses its own coin type even though its contracts are EVM compatible.
type Tron struct{}

func (Tron) Tag() FamilyTag                     { return TagTron }
func (Tron) AccountPath() string                { return "m/44'/195'/0'" }
func (Tron) PathTemplate() string               { return "m/44'/195'/0'/0/{index}" }
func (f Tron) accept(v Visitor) (string, error) { return v.VisitTron(f) }

// HardenedAccount is an ed25519 account chain (Solana-like) where every path
// level is hardened, so no public-only derivation exists.
type HardenedAccount struct {
	CoinType uint32
}

func (f HardenedAccount) Tag() FamilyTag { return TagHardened }

func (f HardenedAccount) AccountPath() string {
	return fmt.Sprintf("m/44'/%d'", f.CoinType)
}

func (f HardenedAccount) PathTemplate() string {
	return f.AccountPath() + "/{index}'/0'"
}

func (f HardenedAccount) accept(v Visitor) (string, error) { return v.VisitHardened(f) }

// Resolve builds the family for a persisted (tag, coin type, network) triple.
func Resolve(tag FamilyTag, coinType uint32, network string) (Family, error) {
	switch tag {
	case TagEVM:
		return EVM{}, nil
	case TagTron:
		return Tron{}, nil
	case TagHardened:
		return HardenedAccount{CoinType: coinType}, nil
	case TagUTXO:
		params, script, err := utxoParams(coinType, network)
		if err != nil {
			return nil, err
		}
		return UTXO{CoinType: coinType, Script: script, Params: params}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedChainFamily, tag)
}

func utxoParams(coinType uint32, network string) (*chaincfg.Params, ScriptType, error) {
	switch coinType {
	case CoinTypeBitcoin:
		return &chaincfg.MainNetParams, ScriptP2WPKH, nil
	case CoinTypeBitcoinTestnet:
		if network == "regtest" {
			return &chaincfg.RegressionNetParams, ScriptP2WPKH, nil
		}
		return &chaincfg.TestNet3Params, ScriptP2WPKH, nil
	case CoinTypeLitecoin:
		return litecoinParams, ScriptP2WPKH, nil
	case CoinTypeDogecoin:
		return dogecoinParams, ScriptP2PKH, nil
	}
	return nil, "", fmt.Errorf("%w: utxo coin type %d", ErrUnsupportedChainFamily, coinType)
}

var (
	litecoinParams = func() *chaincfg.Params {
		p := chaincfg.MainNetParams
		p.Name = "litecoin"
		p.PubKeyHashAddrID = 0x30
		p.ScriptHashAddrID = 0x32
		p.Bech32HRPSegwit = "ltc"
		p.HDCoinType = CoinTypeLitecoin
		return &p
	}()

	dogecoinParams = func() *chaincfg.Params {
		p := chaincfg.MainNetParams
		p.Name = "dogecoin"
		p.PubKeyHashAddrID = 0x1e
		p.ScriptHashAddrID = 0x16
		p.Bech32HRPSegwit = ""
		p.HDCoinType = CoinTypeDogecoin
		return &p
	}()
)
