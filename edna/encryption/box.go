package encryption

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size of public and private keys.
const KeySize = 32

// GenerateKeyPair returns a fresh Curve25519 keypair.
func GenerateKeyPair() (pub, priv []byte, err error) {
	pk, sk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate keypair")
	}
	return pk[:], sk[:], nil
}

// PublicKey derives the public key of priv.
func PublicKey(priv []byte) ([]byte, error) {
	if len(priv) != KeySize {
		return nil, errors.Errorf("private key must be %d bytes", KeySize)
	}
	return curve25519.X25519(priv, curve25519.Basepoint)
}

// Seal encrypts msg so only the holder of the private key matching pub can
// read it. The ciphertext is authenticated.
func Seal(pub, msg []byte) ([]byte, error) {
	var pk [KeySize]byte
	if len(pub) != KeySize {
		return nil, errors.Errorf("public key must be %d bytes", KeySize)
	}
	copy(pk[:], pub)
	out, err := box.SealAnonymous(nil, msg, &pk, rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to seal")
	}
	return out, nil
}

// Open decrypts a ciphertext produced by Seal. It reports false for any
// failure, including a wrong key.
func Open(pub, priv, ciphertext []byte) ([]byte, bool) {
	if len(pub) != KeySize || len(priv) != KeySize {
		return nil, false
	}
	var pk, sk [KeySize]byte
	copy(pk[:], pub)
	copy(sk[:], priv)
	return box.OpenAnonymous(nil, ciphertext, &pk, &sk)
}

// Hash returns the SHA-256 of the concatenated parts.
func Hash(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
