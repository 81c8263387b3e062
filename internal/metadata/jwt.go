package metadata

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/keyerr"
)

// WrapOperator signs metadata with its subject key and verifies it.
type WrapOperator interface {
	Wrap(kwm *KeyWithMetadata) ([]byte, error)
	Unwrap(key crypto.Key, signed []byte) (Metadata, error)
}

// JWTWrapOperator encodes metadata as the claims of a compact JWS signed
// by the subject key. It holds no per-call state.
type JWTWrapOperator struct {
	publicKeys crypto.PublicKeyFactory
}

// NewJWTWrapOperator returns an operator that derives verification keys
// for private subject keys with publicKeys.
func NewJWTWrapOperator(publicKeys crypto.PublicKeyFactory) *JWTWrapOperator {
	if publicKeys == nil {
		publicKeys = crypto.NewPublicKeyFactory()
	}
	return &JWTWrapOperator{publicKeys: publicKeys}
}

// Wrap signs the metadata of kwm with its key.
func (o *JWTWrapOperator) Wrap(kwm *KeyWithMetadata) ([]byte, error) {
	signingKey, method, err := signingParams(kwm.Key())
	if err != nil {
		return nil, keyerr.Wrap(keyerr.MetadataWrapFailure, err, "failed to sign metadata")
	}

	claims := jwt.MapClaims{}
	for _, e := range kwm.Metadata().Entries() {
		claims[e.Name] = claim(e.Value)
	}

	signed, err := jwt.NewWithClaims(method, claims).SignedString(signingKey)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.MetadataWrapFailure, err, "failed to sign metadata")
	}
	return []byte(signed), nil
}

// Unwrap verifies signed with key and returns the metadata it carries. A
// private key is verified with its derived public key.
func (o *JWTWrapOperator) Unwrap(key crypto.Key, signed []byte) (Metadata, error) {
	verificationKey, err := o.verificationKey(key)
	if err != nil {
		return empty, keyerr.Wrap(keyerr.MetadataUnwrapFailure, err, "failed to verify metadata")
	}
	method, err := methodFor(verificationKey)
	if err != nil {
		return empty, keyerr.Wrap(keyerr.MetadataUnwrapFailure, err, "failed to verify metadata")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithJSONNumber(),
		jwt.WithoutClaimsValidation(),
	)
	claims := jwt.MapClaims{}
	_, err = parser.ParseWithClaims(string(signed), claims, func(*jwt.Token) (interface{}, error) {
		return verificationKey, nil
	})
	if err != nil {
		return empty, keyerr.Wrap(keyerr.MetadataUnwrapFailure, err, "failed to verify metadata")
	}

	md, err := claimsToMetadata(claims)
	if err != nil {
		return empty, keyerr.Wrap(keyerr.MetadataUnwrapFailure, err, "failed to decode metadata")
	}
	return md, nil
}

func (o *JWTWrapOperator) verificationKey(key crypto.Key) (interface{}, error) {
	switch k := key.(type) {
	case *crypto.SecretKey:
		return k.Encoded(), nil
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
		return o.publicKeys.GeneratePublic(k)
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return k, nil
	}
	return nil, fmt.Errorf("unsupported key type %T", key)
}

// signingParams returns the JWS signing key and method for a subject key.
func signingParams(key crypto.Key) (interface{}, jwt.SigningMethod, error) {
	switch k := key.(type) {
	case *crypto.SecretKey:
		return k.Encoded(), hmacMethod(k.Bits()), nil
	case *rsa.PrivateKey:
		return k, jwt.SigningMethodRS256, nil
	case *ecdsa.PrivateKey:
		method, err := ecMethod(k.Curve.Params().BitSize)
		return k, method, err
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return nil, nil, fmt.Errorf("cannot sign metadata with a public key")
	}
	return nil, nil, fmt.Errorf("unsupported key type %T", key)
}

// methodFor returns the JWS method matching a verification key.
func methodFor(key interface{}) (jwt.SigningMethod, error) {
	switch k := key.(type) {
	case []byte:
		return hmacMethod(len(k) * 8), nil
	case *rsa.PublicKey:
		return jwt.SigningMethodRS256, nil
	case *ecdsa.PublicKey:
		return ecMethod(k.Curve.Params().BitSize)
	}
	return nil, fmt.Errorf("unsupported verification key type %T", key)
}

func hmacMethod(bits int) jwt.SigningMethod {
	switch {
	case bits <= 256:
		return jwt.SigningMethodHS256
	case bits <= 384:
		return jwt.SigningMethodHS384
	default:
		return jwt.SigningMethodHS512
	}
}

func ecMethod(bits int) (jwt.SigningMethod, error) {
	switch bits {
	case 256:
		return jwt.SigningMethodES256, nil
	case 384:
		return jwt.SigningMethodES384, nil
	case 521:
		return jwt.SigningMethodES512, nil
	}
	return nil, fmt.Errorf("unsupported EC key size %d", bits)
}

// claim encodes a float64 with a fraction or exponent so that it decodes
// as float64 even when its value is integral.
func claim(v interface{}) interface{} {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return v
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.Number(s)
}

// claimsToMetadata restores value types from decoded JSON. Integer literals
// that fit in 32 bits become int32, other integer literals int64, and
// literals with a fraction or exponent float64.
func claimsToMetadata(claims jwt.MapClaims) (Metadata, error) {
	names := make([]string, 0, len(claims))
	for name := range claims {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		value, err := claimValue(claims[name])
		if err != nil {
			return empty, fmt.Errorf("claim %q: %w", name, err)
		}
		entries = append(entries, Entry{Name: name, Value: value})
	}
	return New(entries...)
}

func claimValue(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case string, bool:
		return n, nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			if i >= math.MinInt32 && i <= math.MaxInt32 {
				return int32(i), nil
			}
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case float64:
		return n, nil
	}
	return nil, fmt.Errorf("unsupported claim type %T", v)
}
