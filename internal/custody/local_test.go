package custody

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/anyproto/go-slip10"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/pecunia/internal/derivation"
	"github.com/core-coin/pecunia/internal/vault"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newCustody(t *testing.T) *LocalCustody {
	t.Helper()
	v, err := vault.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return NewLocalCustody(v)
}

func TestSLIP10Vector1(t *testing.T) {
	seed, _ := hex.DecodeString("000102030405060708090a0b0c0d0e0f")

	master, err := slip10.DeriveForPath("m", seed)
	require.NoError(t, err)
	pub, priv := master.Keypair()
	require.Equal(t, "2b4be7f19ee27bbf30c667b642d5f4aa69fd169872f8fc3059c08ebae2eb19e7", hex.EncodeToString(priv.Seed()))
	require.Equal(t, "a4b2856bfec510abab89753fac1ac0e1112364e7d250545963f135f2a33188ed", hex.EncodeToString(pub))

	child, err := slip10.DeriveForPath("m/0'", seed)
	require.NoError(t, err)
	_, priv = child.Keypair()
	require.Equal(t, "68e0fe46dfb67e368c75379acec591dad19df3cde26e63b93a8e704f1dade7a3", hex.EncodeToString(priv.Seed()))

	pub, err = hardenedPublicKey(seed, "m/0'")
	require.NoError(t, err)
	require.Equal(t, "8c8a13df77a28f3445213a0f432fde644acaa215fc72dcdf300d5efaa85d350c", hex.EncodeToString(pub))

	// ed25519 has no non-hardened children.
	_, err = hardenedPublicKey(seed, "m/0")
	require.Error(t, err)
	_, err = master.Derive(0)
	require.Error(t, err)

	require.Equal(t, "m/44'/501'/7'/0'", hardenedPath(501, 7))
}

func TestImportExportsAccountXpub(t *testing.T) {
	c := newCustody(t)
	keys, err := c.ImportMnemonic(derivation.EVM{}, testMnemonic)
	require.NoError(t, err)
	require.NotEmpty(t, keys.Handle)
	require.NotEmpty(t, keys.SealedSeed)
	require.NotContains(t, string(keys.SealedSeed), "abandon")

	addr, err := derivation.Deriver{}.Derive(keys.ExtendedPublicKey, derivation.EVM{}, 0)
	require.NoError(t, err)
	require.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", addr)
}

func TestPrivilegedDerivationMatchesWatchOnly(t *testing.T) {
	c := newCustody(t)
	ctx := context.Background()
	btc, err := derivation.Resolve(derivation.TagUTXO, derivation.CoinTypeBitcoin, "mainnet")
	require.NoError(t, err)

	for _, family := range []derivation.Family{derivation.EVM{}, derivation.Tron{}, btc} {
		keys, err := c.ImportMnemonic(family, testMnemonic)
		require.NoError(t, err)
		ref := KeyRef{Handle: keys.Handle, SealedSeed: keys.SealedSeed}
		for i := uint64(0); i < 3; i++ {
			watch, err := derivation.Deriver{}.Derive(keys.ExtendedPublicKey, family, i)
			require.NoError(t, err)
			priv, err := c.DeriveAddress(ctx, ref, family, i)
			require.NoError(t, err)
			require.Equal(t, watch, priv, "family %s index %d", family.Tag(), i)
		}
	}
}

func TestHardenedFamilyDerivesThroughCustody(t *testing.T) {
	c := newCustody(t)
	ctx := context.Background()
	family := derivation.HardenedAccount{CoinType: derivation.CoinTypeSolana}

	keys, err := c.GenerateWallet(ctx, family)
	require.NoError(t, err)
	require.Empty(t, keys.ExtendedPublicKey)
	ref := KeyRef{Handle: keys.Handle, SealedSeed: keys.SealedSeed}

	a0, err := c.DeriveAddress(ctx, ref, family, 0)
	require.NoError(t, err)
	a0again, err := c.DeriveAddress(ctx, ref, family, 0)
	require.NoError(t, err)
	a1, err := c.DeriveAddress(ctx, ref, family, 1)
	require.NoError(t, err)

	require.Equal(t, a0, a0again)
	require.NotEqual(t, a0, a1)
	require.Len(t, base58.Decode(a0), 32)

	_, err = c.DeriveAddress(ctx, ref, family, 1<<31)
	require.ErrorIs(t, err, derivation.ErrIndexOutOfRange)
}

func TestCorruptedSealSurfaces(t *testing.T) {
	c := newCustody(t)
	keys, err := c.GenerateWallet(context.Background(), derivation.EVM{})
	require.NoError(t, err)

	sealed := append([]byte(nil), keys.SealedSeed...)
	sealed[len(sealed)-1] ^= 0xff
	_, err = c.DeriveAddress(context.Background(), KeyRef{Handle: keys.Handle, SealedSeed: sealed}, derivation.EVM{}, 0)
	require.ErrorIs(t, err, vault.ErrCorruptedSecret)

	_, err = c.DeriveAddress(context.Background(), KeyRef{Handle: keys.Handle}, derivation.EVM{}, 0)
	require.ErrorIs(t, err, ErrCustodyUnavailable)
}

func TestImportRejectsInvalidMnemonic(t *testing.T) {
	_, err := newCustody(t).ImportMnemonic(derivation.EVM{}, "not a mnemonic")
	require.Error(t, err)
}
