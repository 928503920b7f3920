package webhookverify

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCert struct {
	key *rsa.PrivateKey
	der []byte
}

func newSelfSignedCert(t *testing.T, commonName string, notBefore, notAfter time.Time) testCert {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:       big.NewInt(1),
		Subject:            pkix.Name{CommonName: commonName},
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return testCert{key: key, der: der}
}

func signJWS(t *testing.T, cert testCert, payload map[string]interface{}) string {
	t.Helper()

	headerJSON, err := json.Marshal(map[string]interface{}{
		"alg": "RS256",
		"x5c": []string{base64.StdEncoding.EncodeToString(cert.der)},
	})
	require.NoError(t, err)
	payloadJSON, err := json.Marshal(payload)
	require.NoError(t, err)

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	digest := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, cert.key, crypto.SHA256, digest[:])
	require.NoError(t, err)

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature)
}

func TestAppleVerifyValidPayload(t *testing.T) {
	cert := newSelfSignedCert(t, "Test Signer", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	signed := signJWS(t, cert, map[string]interface{}{"notificationType": "DID_RENEW"})

	payload, chain, err := NewAppleVerifier(nil).Verify(signed)
	require.NoError(t, err)
	require.Len(t, chain, 1)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "DID_RENEW", decoded["notificationType"])
}

func TestAppleVerifyRejectsMalformedPayload(t *testing.T) {
	_, _, err := NewAppleVerifier(nil).Verify("only.two")
	assert.ErrorIs(t, err, ErrFormat)
}

func TestAppleVerifyRejectsMissingChain(t *testing.T) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256"}`))
	body := base64.RawURLEncoding.EncodeToString([]byte(`{}`))
	_, _, err := NewAppleVerifier(nil).Verify(header + "." + body + ".c2ln")
	assert.ErrorIs(t, err, ErrNoCertChain)
}

func TestAppleVerifyRootAllowList(t *testing.T) {
	cert := newSelfSignedCert(t, "Test Signer", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	signed := signJWS(t, cert, map[string]interface{}{"notificationType": "DID_RENEW"})

	sum := sha256.Sum256(cert.der)
	fingerprint := strings.ToUpper(hex.EncodeToString(sum[:]))

	_, _, err := NewAppleVerifier([]string{fingerprint}).Verify(signed)
	assert.NoError(t, err)

	// Fingerprints are normalized, so colon separated lower case also matches.
	withColons := strings.ToLower(fingerprint[:2] + ":" + fingerprint[2:])
	_, _, err = NewAppleVerifier([]string{withColons}).Verify(signed)
	assert.NoError(t, err)

	_, _, err = NewAppleVerifier([]string{strings.Repeat("AB", 32)}).Verify(signed)
	assert.ErrorIs(t, err, ErrUntrustedRoot)
}

func TestAppleVerifyRejectsTamperedBody(t *testing.T) {
	cert := newSelfSignedCert(t, "Test Signer", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	signed := signJWS(t, cert, map[string]interface{}{"notificationType": "DID_RENEW"})

	parts := strings.Split(signed, ".")
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(`{"notificationType":"REFUND"}`))

	_, _, err := NewAppleVerifier(nil).Verify(strings.Join(parts, "."))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestAppleVerifyRejectsExpiredCert(t *testing.T) {
	cert := newSelfSignedCert(t, "Test Signer", time.Now().Add(-2*time.Hour), time.Now().Add(time.Hour))
	signed := signJWS(t, cert, map[string]interface{}{"notificationType": "DID_RENEW"})

	verifier := NewAppleVerifier(nil).WithClock(func() time.Time { return time.Now().Add(48 * time.Hour) })
	_, _, err := verifier.Verify(signed)
	assert.ErrorIs(t, err, ErrCertValidity)
}
