// Package sharing splits a principal's private key into three points of a
// degree-1 polynomial over the Ed25519 scalar field. The first point is
// derived from a password and never stored; the second is retained by the
// server; the third is handed to the principal. Any two points recover the
// key.
package sharing

import (
	"crypto/rand"

	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/share"
	"golang.org/x/crypto/argon2"
)

const (
	// SaltSize is the size of the password KDF salt.
	SaltSize = 16

	threshold = 2
	numShares = 3

	passwordIndex = 0
	serverIndex   = 1
	portableIndex = 2
)

var suite = edwards25519.NewBlakeSHA256Ed25519()

// KDFParams tunes the argon2id password derivation.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams follows the argon2id minimum recommended by OWASP.
var DefaultKDFParams = KDFParams{Time: 2, Memory: 19 * 1024, Threads: 1}

// Point is one evaluation of the sharing polynomial.
type Point struct {
	Index int
	Value []byte
}

// Split is the output of splitting a secret for a password.
type Split struct {
	Secret   []byte
	Salt     []byte
	Server   Point
	Portable Point
}

// NewSecret returns a random secret usable as a Curve25519 private key.
func NewSecret() ([]byte, error) {
	s := suite.Scalar().Pick(suite.RandomStream())
	return s.MarshalBinary()
}

// SplitSecret splits secret so that the point derived from password and a
// fresh salt lies on the polynomial.
func SplitSecret(secret []byte, password string, params KDFParams) (*Split, error) {
	s := suite.Scalar()
	if err := s.UnmarshalBinary(secret); err != nil {
		return nil, errors.Wrap(err, "secret is not a scalar")
	}
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "failed to generate salt")
	}
	p := passwordScalar(password, salt, params)

	// f(x) = s + (p - s)x so that f(1) = p.
	slope := suite.Scalar().Sub(p, s)
	poly := share.CoefficientsToPriPoly(suite, []kyber.Scalar{s, slope})

	server, err := marshalShare(poly.Eval(serverIndex))
	if err != nil {
		return nil, err
	}
	portable, err := marshalShare(poly.Eval(portableIndex))
	if err != nil {
		return nil, err
	}
	return &Split{Secret: secret, Salt: salt, Server: server, Portable: portable}, nil
}

// PasswordPoint derives the password point.
func PasswordPoint(password string, salt []byte, params KDFParams) (Point, error) {
	v, err := passwordScalar(password, salt, params).MarshalBinary()
	if err != nil {
		return Point{}, err
	}
	return Point{Index: passwordIndex, Value: v}, nil
}

// Recover reconstructs the secret from at least two distinct points.
func Recover(points ...Point) ([]byte, error) {
	shares := make([]*share.PriShare, 0, len(points))
	seen := make(map[int]bool, len(points))
	for _, pt := range points {
		if pt.Index < 0 || pt.Index >= numShares || seen[pt.Index] {
			continue
		}
		v := suite.Scalar()
		if err := v.UnmarshalBinary(pt.Value); err != nil {
			return nil, errors.Wrapf(err, "invalid share %d", pt.Index)
		}
		seen[pt.Index] = true
		shares = append(shares, &share.PriShare{I: pt.Index, V: v})
	}
	if len(shares) < threshold {
		return nil, errors.New("not enough shares to recover secret")
	}
	secret, err := share.RecoverSecret(suite, shares, threshold, numShares)
	if err != nil {
		return nil, errors.Wrap(err, "failed to recover secret")
	}
	return secret.MarshalBinary()
}

func passwordScalar(password string, salt []byte, params KDFParams) kyber.Scalar {
	if params.Time == 0 {
		params = DefaultKDFParams
	}
	key := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, 64)
	return suite.Scalar().SetBytes(key)
}

func marshalShare(s *share.PriShare) (Point, error) {
	v, err := s.V.MarshalBinary()
	if err != nil {
		return Point{}, errors.Wrap(err, "failed to marshal share")
	}
	return Point{Index: s.I, Value: v}, nil
}
