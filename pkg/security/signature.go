package security

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"addinhost/pkg/plugin"

	"github.com/golang-jwt/jwt/v5"
)

type SignatureConfig struct {
	Algorithm  string `mapstructure:"algorithm"`
	SecretKey  string `mapstructure:"secret_key"`
	PublicKey  string `mapstructure:"public_key"`
	PrivateKey string `mapstructure:"private_key"`
	Issuer     string `mapstructure:"issuer"`
	// Require rejects plugins whose manifest carries no signature.
	Require bool `mapstructure:"require"`
}

// SignatureClaims bind a plugin id (sub) to the digest of its assembly.
type SignatureClaims struct {
	SHA256 string `json:"sha256"`
	jwt.RegisteredClaims
}

// Verifier checks manifest signatures: a JWT whose subject is the plugin
// id and whose sha256 claim matches the assembly on disk.
type Verifier struct {
	method     jwt.SigningMethod
	secretKey  []byte
	publicKey  *rsa.PublicKey
	privateKey *rsa.PrivateKey
	issuer     string
	require    bool
}

func NewVerifier(cfg SignatureConfig) (*Verifier, error) {
	v := &Verifier{issuer: cfg.Issuer, require: cfg.Require}

	switch cfg.Algorithm {
	case "", "HS256":
		v.method = jwt.SigningMethodHS256
		v.secretKey = []byte(cfg.SecretKey)
	case "HS384":
		v.method = jwt.SigningMethodHS384
		v.secretKey = []byte(cfg.SecretKey)
	case "HS512":
		v.method = jwt.SigningMethodHS512
		v.secretKey = []byte(cfg.SecretKey)
	case "RS256":
		v.method = jwt.SigningMethodRS256
		publicKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		v.publicKey = publicKey
		if cfg.PrivateKey != "" {
			privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKey))
			if err != nil {
				return nil, fmt.Errorf("failed to parse private key: %w", err)
			}
			v.privateKey = privateKey
		}
	default:
		return nil, fmt.Errorf("unsupported signing method: %s", cfg.Algorithm)
	}

	if v.publicKey == nil && len(v.secretKey) == 0 && cfg.Require {
		return nil, errors.New("secret key required when signatures are mandatory")
	}
	return v, nil
}

// Checksum returns the hex SHA-256 of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (v *Verifier) key() interface{} {
	if v.publicKey != nil {
		return v.publicKey
	}
	return v.secretKey
}

// Sign produces a signature for d's current assembly.
func (v *Verifier) Sign(d *plugin.PluginDescriptor) (string, error) {
	sum, err := Checksum(d.AssemblyPath)
	if err != nil {
		return "", ScrubError(fmt.Errorf("failed to hash assembly: %w", err))
	}
	claims := SignatureClaims{
		SHA256: sum,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  d.ID,
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(v.method, claims)
	if v.publicKey == nil {
		return token.SignedString(v.secretKey)
	}
	if v.privateKey == nil {
		return "", errors.New("no private key configured")
	}
	return token.SignedString(v.privateKey)
}

func (v *Verifier) Verify(d *plugin.PluginDescriptor) error {
	violation := func(err error) error {
		return plugin.NewError(plugin.KindSecurityViolation, d.ID, "VerifySignature", ScrubError(err))
	}

	if d.Signature == "" {
		if v.require {
			return violation(errors.New("plugin is not signed"))
		}
		return nil
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithSubject(d.ID),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims SignatureClaims
	token, err := jwt.ParseWithClaims(d.Signature, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.key(), nil
	}, opts...)
	if err != nil {
		return violation(fmt.Errorf("invalid signature: %w", err))
	}
	if !token.Valid {
		return violation(errors.New("invalid signature"))
	}

	sum, err := Checksum(d.AssemblyPath)
	if err != nil {
		return violation(fmt.Errorf("failed to hash assembly: %w", err))
	}
	if claims.SHA256 != sum {
		return violation(fmt.Errorf("assembly checksum mismatch: expected %s, got %s", claims.SHA256, sum))
	}
	return nil
}
