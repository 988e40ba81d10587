package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"addinhost/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedDescriptor(t *testing.T, id string) *plugin.PluginDescriptor {
	t.Helper()
	path := filepath.Join(t.TempDir(), id+".so")
	require.NoError(t, os.WriteFile(path, []byte("assembly-"+id), 0o644))
	d := desc(id, plugin.PermissionNone)
	d.AssemblyPath = path
	return d
}

func TestVerifier_HMAC(t *testing.T) {
	v, err := NewVerifier(SignatureConfig{SecretKey: "s3cret", Issuer: "addinhost", Require: true})
	require.NoError(t, err)

	d := signedDescriptor(t, "alpha")
	sig, err := v.Sign(d)
	require.NoError(t, err)
	d.Signature = sig
	assert.NoError(t, v.Verify(d))

	other := signedDescriptor(t, "beta")
	other.Signature = sig
	err = v.Verify(other)
	assert.ErrorIs(t, err, plugin.ErrSecurityViolation)

	require.NoError(t, os.WriteFile(d.AssemblyPath, []byte("tampered"), 0o644))
	err = v.Verify(d)
	assert.ErrorIs(t, err, plugin.ErrSecurityViolation)
	assert.Contains(t, err.Error(), "checksum mismatch")

	unsigned := signedDescriptor(t, "gamma")
	assert.ErrorIs(t, v.Verify(unsigned), plugin.ErrSecurityViolation)

	wrongKey, err := NewVerifier(SignatureConfig{SecretKey: "other"})
	require.NoError(t, err)
	fresh := signedDescriptor(t, "delta")
	fresh.Signature, err = v.Sign(fresh)
	require.NoError(t, err)
	assert.Error(t, wrongKey.Verify(fresh))
}

func TestVerifier_OptionalSignature(t *testing.T) {
	v, err := NewVerifier(SignatureConfig{SecretKey: "k"})
	require.NoError(t, err)
	assert.NoError(t, v.Verify(signedDescriptor(t, "plain")))
}

func TestVerifier_RSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	v, err := NewVerifier(SignatureConfig{Algorithm: "RS256", PublicKey: string(pubPEM), PrivateKey: string(privPEM)})
	require.NoError(t, err)

	d := signedDescriptor(t, "rsa")
	d.Signature, err = v.Sign(d)
	require.NoError(t, err)
	assert.NoError(t, v.Verify(d))

	verifyOnly, err := NewVerifier(SignatureConfig{Algorithm: "RS256", PublicKey: string(pubPEM)})
	require.NoError(t, err)
	assert.NoError(t, verifyOnly.Verify(d))
	_, err = verifyOnly.Sign(d)
	assert.Error(t, err)

	hmac, err := NewVerifier(SignatureConfig{SecretKey: "k"})
	require.NoError(t, err)
	assert.Error(t, hmac.Verify(d))
}

func TestNewVerifier_Errors(t *testing.T) {
	_, err := NewVerifier(SignatureConfig{Algorithm: "none"})
	assert.Error(t, err)
	_, err = NewVerifier(SignatureConfig{Algorithm: "RS256", PublicKey: "garbage"})
	assert.Error(t, err)
	_, err = NewVerifier(SignatureConfig{Require: true})
	assert.Error(t, err)
}

func TestChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	sum, err := Checksum(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
}
