package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stueble-dev/stueble/internal/protocol"
)

// Signer issues and verifies Ed25519-signed entry passes. The pass payload
// is what door staff scan as a QR code; the public key is published as a JWK
// so clients can verify offline.
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewSigner builds a signer from a base64-encoded Ed25519 seed. An empty
// seed generates an ephemeral key, which is fine for development but makes
// passes unverifiable across restarts.
func NewSigner(seedBase64 string) (*Signer, error) {
	if seedBase64 == "" {
		public, private, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		return &Signer{private: private, public: public}, nil
	}

	seed, err := base64.StdEncoding.DecodeString(seedBase64)
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("signing seed must be 32 bytes")
	}
	private := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		private: private,
		public:  private.Public().(ed25519.PublicKey),
	}, nil
}

type passTokenClaims struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	jwt.RegisteredClaims
}

// SignPass signs the claims as an EdDSA JWT.
func (s *Signer) SignPass(claims protocol.PassClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, passTokenClaims{
		ID:        claims.ID,
		Timestamp: claims.Timestamp,
	})
	return token.SignedString(s.private)
}

// VerifyPass validates a signed pass and returns its claims.
func (s *Signer) VerifyPass(signed string) (protocol.PassClaims, error) {
	var claims passTokenClaims
	token, err := jwt.ParseWithClaims(signed, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.public, nil
	})
	if err != nil {
		return protocol.PassClaims{}, err
	}
	if !token.Valid {
		return protocol.PassClaims{}, jwt.ErrTokenInvalidClaims
	}
	return protocol.PassClaims{ID: claims.ID, Timestamp: claims.Timestamp}, nil
}

// PublicJWK returns the verification key as an OKP/Ed25519 JWK.
func (s *Signer) PublicJWK() map[string]any {
	return map[string]any{
		"kty":     "OKP",
		"crv":     "Ed25519",
		"x":       base64.RawURLEncoding.EncodeToString(s.public),
		"use":     "sig",
		"key_ops": []string{"verify"},
	}
}
