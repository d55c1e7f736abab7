package msauth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// assertionLifetime is how long a signed client assertion stays valid.
// Assertions are minted per token request, so this only needs to cover
// clock skew plus the round trip.
const assertionLifetime = 10 * time.Minute

// assertionSigner mints certificate-based client assertions: signed JWTs
// proving the app's identity to the token endpoint in place of a shared
// secret. No client-secret code path exists.
type assertionSigner struct {
	key        *rsa.PrivateKey
	thumbprint string
	clientID   string
}

// newAssertionSigner loads an RSA private key from PEM bytes. Handles
// both PKCS1 and PKCS8 encodings, matching what certificate tooling
// typically emits.
func newAssertionSigner(pemKey []byte, thumbprint, clientID string) (*assertionSigner, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, errors.New("msauth: invalid PEM for certificate key")
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("msauth: parse PKCS1 key: %w", err)
		}
		key = k
	case "PRIVATE KEY":
		priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("msauth: parse PKCS8 key: %w", err)
		}
		rk, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("msauth: certificate key is not RSA")
		}
		key = rk
	default:
		return nil, fmt.Errorf("msauth: unsupported PEM type %q", block.Type)
	}

	return &assertionSigner{key: key, thumbprint: thumbprint, clientID: clientID}, nil
}

// Sign produces a client assertion for the given token endpoint. The
// audience is the token URL itself; issuer and subject are both the
// client ID, per the client-credentials assertion profile.
func (s *assertionSigner) Sign(tokenURL string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": s.clientID,
		"sub": s.clientID,
		"aud": tokenURL,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	// Azure AD matches the assertion to the registered certificate via
	// the SHA-256 thumbprint header.
	t.Header["x5t#S256"] = s.thumbprint

	signed, err := t.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("msauth: sign assertion: %w", err)
	}
	return signed, nil
}
