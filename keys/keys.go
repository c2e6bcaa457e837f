package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultKeyBits is the modulus size used by Generate callers that do not choose one
	DefaultKeyBits = 2048

	// minKeyBits is the smallest RSA modulus accepted for signing
	minKeyBits = 2048

	// PrivateKeyFile and PublicKeyFile are the names WritePEM uses
	PrivateKeyFile = "private.pem"
	PublicKeyFile  = "public.pem"
)

// ErrKeyLoad is wrapped by every key loading failure. It is fatal at startup.
var ErrKeyLoad = errors.New("failed to load signing key")

// JWK is the public half of the signing key in RFC 7517 form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Manager signs and verifies RS256 tokens with a single key.
type Manager struct {
	private *rsa.PrivateKey
	kid     string
}

// NewManager wraps an existing key. An empty kid selects the key's
// RFC 7638 thumbprint.
func NewManager(private *rsa.PrivateKey, kid string) (*Manager, error) {
	if private == nil {
		return nil, fmt.Errorf("%w: private key is nil", ErrKeyLoad)
	}
	if private.N.BitLen() < minKeyBits {
		return nil, fmt.Errorf("%w: RSA key has %d bits, need at least %d", ErrKeyLoad, private.N.BitLen(), minKeyBits)
	}
	if kid == "" {
		kid = Thumbprint(&private.PublicKey)
	}
	return &Manager{private: private, kid: kid}, nil
}

// Generate creates a fresh key of the given size.
func Generate(bits int) (*rsa.PrivateKey, error) {
	if bits < minKeyBits {
		return nil, fmt.Errorf("RSA key size %d is below the minimum of %d", bits, minKeyBits)
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// LoadFromFiles reads a PEM private key (PKCS#1 or PKCS#8) and, when
// publicPath is not empty, a PEM public key that must match it.
func LoadFromFiles(privatePath, publicPath, kid string) (*Manager, error) {
	data, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyLoad, err)
	}
	private, err := parsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyLoad, privatePath, err)
	}

	if publicPath != "" {
		data, err := os.ReadFile(publicPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyLoad, err)
		}
		public, err := parsePublicKey(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrKeyLoad, publicPath, err)
		}
		if !public.Equal(&private.PublicKey) {
			return nil, fmt.Errorf("%w: public key does not match private key", ErrKeyLoad)
		}
	}

	return NewManager(private, kid)
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

func parsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported public key type %T", key)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// WritePEM writes private.pem (PKCS#1) and public.pem (PKIX) into dir,
// creating it if needed. The private key file is readable by the owner only.
func WritePEM(dir string, private *rsa.PrivateKey) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(private),
	})
	if err := os.WriteFile(filepath.Join(dir, PrivateKeyFile), privPEM, 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		return fmt.Errorf("encoding public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(filepath.Join(dir, PublicKeyFile), pubPEM, 0o644); err != nil { //nolint:gosec // public key
		return fmt.Errorf("writing public key: %w", err)
	}

	return nil
}

// KeyID returns the kid placed in token headers and the JWK.
func (m *Manager) KeyID() string {
	return m.kid
}

// PublicKey returns the verification key.
func (m *Manager) PublicKey() crypto.PublicKey {
	return &m.private.PublicKey
}

// Sign returns claims as a compact RS256 JWT carrying the kid header.
func (m *Manager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.kid

	signed, err := token.SignedString(m.private)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses tokenString into claims, checking the RS256 signature, the
// kid header and the registered time claims.
func (m *Manager) Verify(tokenString string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != m.kid {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return &m.private.PublicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return fmt.Errorf("verifying token: %w", err)
	}
	return nil
}

// JWK returns the public key in JWK form.
func (m *Manager) JWK() JWK {
	pub := &m.private.PublicKey
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: jwt.SigningMethodRS256.Alg(),
		Kid: m.kid,
		N:   encodeBigInt(pub.N),
		E:   encodeBigInt(big.NewInt(int64(pub.E))),
	}
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of pub, base64url
// encoded without padding.
func Thumbprint(pub *rsa.PublicKey) string {
	// Members in lexicographic order, no whitespace.
	canonical, _ := json.Marshal(struct {
		E   string `json:"e"`
		Kty string `json:"kty"`
		N   string `json:"n"`
	}{
		E:   encodeBigInt(big.NewInt(int64(pub.E))),
		Kty: "RSA",
		N:   encodeBigInt(pub.N),
	})
	sum := sha256.Sum256(canonical)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func encodeBigInt(v *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(v.Bytes())
}
