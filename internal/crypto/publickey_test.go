package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcec"
	"github.com/soulwing/s2ks/internal/keyerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePublicRSA(t *testing.T) {
	priv := newRSAKey(t)

	pub, err := NewPublicKeyFactory().GeneratePublic(priv)
	require.NoError(t, err)

	rsaPub, ok := pub.(*rsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, 0, priv.N.Cmp(rsaPub.N))
	assert.Equal(t, priv.E, rsaPub.E)
	assert.True(t, priv.PublicKey.Equal(rsaPub))
}

func TestGeneratePublicEC(t *testing.T) {
	for _, curve := range []elliptic.Curve{elliptic.P224(), elliptic.P256(), elliptic.P384(), elliptic.P521()} {
		t.Run(curve.Params().Name, func(t *testing.T) {
			priv := newECKey(t, curve)

			pub, err := NewPublicKeyFactory().GeneratePublic(priv)
			require.NoError(t, err)

			ecPub, ok := pub.(*ecdsa.PublicKey)
			require.True(t, ok)
			assert.True(t, priv.PublicKey.Equal(ecPub))
			assert.Equal(t, curve, ecPub.Curve)
		})
	}
}

func TestGeneratePublicSecp256k1(t *testing.T) {
	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: btcec.S256()},
		D:         big.NewInt(0x5eed),
	}
	priv.PublicKey.X, priv.PublicKey.Y = btcec.S256().ScalarBaseMult(priv.D.Bytes())

	pub, err := NewPublicKeyFactory().GeneratePublic(priv)
	require.NoError(t, err)

	ecPub := pub.(*ecdsa.PublicKey)
	assert.Equal(t, 0, priv.X.Cmp(ecPub.X))
	assert.Equal(t, 0, priv.Y.Cmp(ecPub.Y))
	assert.Equal(t, "secp256k1", CurveName(ecPub.Curve))
}

func TestGeneratePublicUnnamedCurveFallsBack(t *testing.T) {
	p256 := elliptic.P256().Params()
	custom := &elliptic.CurveParams{
		P:       p256.P,
		N:       p256.N,
		B:       p256.B,
		Gx:      p256.Gx,
		Gy:      p256.Gy,
		BitSize: p256.BitSize,
		Name:    "custom",
	}
	custom.Gy = new(big.Int).Sub(p256.P, p256.Gy)

	priv := &ecdsa.PrivateKey{PublicKey: ecdsa.PublicKey{Curve: custom}, D: big.NewInt(3)}
	pub, err := NewPublicKeyFactory().GeneratePublic(priv)
	require.NoError(t, err)
	assert.Same(t, custom, pub.(*ecdsa.PublicKey).Curve)
}

func TestGeneratePublicUnsupported(t *testing.T) {
	_, err := NewPublicKeyFactory().GeneratePublic(newAESKey(t, 16))
	require.Error(t, err)
	assert.True(t, keyerr.Is(err, keyerr.ProviderConfiguration))
	assert.Contains(t, err.Error(), "AES")
}

func TestGeneratePublicInvalidEC(t *testing.T) {
	priv := &ecdsa.PrivateKey{PublicKey: ecdsa.PublicKey{Curve: elliptic.P256()}}
	_, err := NewPublicKeyFactory().GeneratePublic(priv)
	require.Error(t, err)
	assert.True(t, keyerr.Is(err, keyerr.ProviderConfiguration))
}
