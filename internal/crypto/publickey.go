package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
	"github.com/soulwing/s2ks/internal/keyerr"
)

// PublicKeyFactory derives the public half of a private key.
type PublicKeyFactory interface {
	GeneratePublic(privateKey Key) (crypto.PublicKey, error)
}

// namedCurve is an entry of the curve table used to re-express a derived
// EC point on a well-known curve.
type namedCurve struct {
	name     string
	curve    elliptic.Curve
	a        *big.Int
	cofactor int64
}

var (
	minusThree = big.NewInt(-3)

	namedCurves = []namedCurve{
		{name: "P-224", curve: elliptic.P224(), a: minusThree, cofactor: 1},
		{name: "P-256", curve: elliptic.P256(), a: minusThree, cofactor: 1},
		{name: "P-384", curve: elliptic.P384(), a: minusThree, cofactor: 1},
		{name: "P-521", curve: elliptic.P521(), a: minusThree, cofactor: 1},
		{name: "secp256k1", curve: btcec.S256(), a: big.NewInt(0), cofactor: 1},
	}
)

// KeyFactory derives public keys purely from private key material.
type KeyFactory struct{}

// NewPublicKeyFactory returns the default public key factory.
func NewPublicKeyFactory() *KeyFactory {
	return &KeyFactory{}
}

// GeneratePublic returns the public key for an RSA or EC private key.
func (KeyFactory) GeneratePublic(privateKey Key) (crypto.PublicKey, error) {
	switch k := privateKey.(type) {
	case *rsa.PrivateKey:
		return rsaPublic(k)
	case *ecdsa.PrivateKey:
		return ecPublic(k)
	}
	algorithm, err := AlgorithmOf(privateKey)
	if err != nil {
		algorithm = fmt.Sprintf("%T", privateKey)
	}
	return nil, keyerr.New(keyerr.ProviderConfiguration, "unsupported key algorithm %s", algorithm)
}

func rsaPublic(k *rsa.PrivateKey) (*rsa.PublicKey, error) {
	if k.N == nil || k.E == 0 {
		return nil, keyerr.New(keyerr.ProviderConfiguration, "RSA private key has no modulus or exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).Set(k.N), E: k.E}, nil
}

func ecPublic(k *ecdsa.PrivateKey) (*ecdsa.PublicKey, error) {
	if k.Curve == nil || k.D == nil || k.D.Sign() <= 0 {
		return nil, keyerr.New(keyerr.ProviderConfiguration, "EC private key has no curve or scalar")
	}
	params := k.Curve.Params()
	if k.D.Cmp(params.N) >= 0 {
		return nil, keyerr.New(keyerr.ProviderConfiguration, "EC private scalar is out of range")
	}

	scalar := k.D.FillBytes(make([]byte, (params.N.BitLen()+7)/8))
	x, y := k.Curve.ScalarBaseMult(scalar)
	if x == nil || y == nil || (x.Sign() == 0 && y.Sign() == 0) {
		return nil, keyerr.New(keyerr.ProviderConfiguration, "EC point multiplication failed")
	}

	curve := k.Curve
	if named, ok := matchNamedCurve(params, x, y); ok {
		curve = named.curve
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// matchNamedCurve finds the table entry with the same field, order,
// cofactor, equation and generator as params. The point (x, y) must satisfy
// the candidate's curve equation.
func matchNamedCurve(params *elliptic.CurveParams, x, y *big.Int) (namedCurve, bool) {
	for _, nc := range namedCurves {
		np := nc.curve.Params()
		if np.P.Cmp(params.P) != 0 || np.N.Cmp(params.N) != 0 || np.B.Cmp(params.B) != 0 {
			continue
		}
		if np.Gx.Cmp(params.Gx) != 0 || np.Gy.Cmp(params.Gy) != 0 {
			continue
		}
		if !hasCofactor(np, nc.cofactor) {
			continue
		}
		if !onCurve(np, nc.a, x, y) {
			continue
		}
		return nc, true
	}
	return namedCurve{}, false
}

// hasCofactor checks that h*n lies within the Hasse bound of p+1.
func hasCofactor(params *elliptic.CurveParams, cofactor int64) bool {
	hn := new(big.Int).Mul(params.N, big.NewInt(cofactor))
	diff := new(big.Int).Sub(new(big.Int).Add(params.P, big.NewInt(1)), hn)
	bound := new(big.Int).Lsh(new(big.Int).Sqrt(params.P), 1)
	return diff.CmpAbs(bound) <= 0
}

// onCurve evaluates y² = x³ + a·x + b (mod p).
func onCurve(params *elliptic.CurveParams, a, x, y *big.Int) bool {
	p := params.P
	lhs := new(big.Int).Mul(y, y)
	lhs.Mod(lhs, p)

	rhs := new(big.Int).Mul(x, x)
	rhs.Mul(rhs, x)
	ax := new(big.Int).Mul(a, x)
	rhs.Add(rhs, ax)
	rhs.Add(rhs, params.B)
	rhs.Mod(rhs, p)

	return lhs.Cmp(rhs) == 0
}

// CurveName returns the table name of a named curve, or "" if the curve is
// not in the table.
func CurveName(curve elliptic.Curve) string {
	params := curve.Params()
	for _, nc := range namedCurves {
		np := nc.curve.Params()
		if np.P.Cmp(params.P) == 0 && np.N.Cmp(params.N) == 0 && np.B.Cmp(params.B) == 0 {
			return nc.name
		}
	}
	return ""
}
