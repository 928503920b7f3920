package webhookverify

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Verification failure reasons. Each maps to one rejection step; callers treat
// any of them as a fail-closed signature failure.
var (
	ErrFormat        = errors.New("FORMAT")
	ErrNoCertChain   = errors.New("NO_X5C")
	ErrCertValidity  = errors.New("CERT_EXPIRED_OR_NOT_YET_VALID")
	ErrChainMismatch = errors.New("CHAIN_MISMATCH")
	ErrUntrustedRoot = errors.New("UNTRUSTED_ROOT")
	ErrBadSignature  = errors.New("BAD_SIGNATURE")
	ErrCertRevoked   = errors.New("CERT_REVOKED")
)

// ChainCert describes one certificate of a verified chain, for audit logs.
type ChainCert struct {
	Subject     string
	Issuer      string
	NotBefore   time.Time
	NotAfter    time.Time
	Fingerprint string
}

// AppleVerifier validates the JWS signedPayload carried by App Store server
// notifications: segment format, embedded x5c chain validity and linkage, root
// fingerprint allow-list, and the leaf signature over the signing input.
type AppleVerifier struct {
	allowedRoots map[string]struct{}
	now          func() time.Time
}

// NewAppleVerifier builds a verifier from SHA-256 root fingerprints (hex,
// colons stripped, upper-case). An empty list disables the root check; that is
// an explicit opt-out for non-production setups.
func NewAppleVerifier(rootFingerprints []string) *AppleVerifier {
	roots := make(map[string]struct{}, len(rootFingerprints))
	for _, fp := range rootFingerprints {
		fp = strings.ToUpper(strings.ReplaceAll(fp, ":", ""))
		if fp != "" {
			roots[fp] = struct{}{}
		}
	}
	return &AppleVerifier{allowedRoots: roots, now: time.Now}
}

// WithClock overrides the verifier clock. Test use only.
func (v *AppleVerifier) WithClock(now func() time.Time) *AppleVerifier {
	v.now = now
	return v
}

type jwsHeader struct {
	Alg string   `json:"alg"`
	X5c []string `json:"x5c"`
}

// Verify checks the signed payload and returns the decoded JSON body together
// with the certificate chain it was signed under.
func (v *AppleVerifier) Verify(signedPayload string) (json.RawMessage, []ChainCert, error) {
	parts := strings.Split(signedPayload, ".")
	if len(parts) != 3 {
		return nil, nil, ErrFormat
	}

	headerRaw, err := decodeSegment(parts[0])
	if err != nil {
		return nil, nil, ErrFormat
	}
	var header jwsHeader
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return nil, nil, ErrFormat
	}
	if len(header.X5c) == 0 {
		return nil, nil, ErrNoCertChain
	}

	now := v.now()
	chain := make([]ChainCert, 0, len(header.X5c))
	certs := make([]*x509.Certificate, 0, len(header.X5c))
	previousSubject := ""
	for i, encoded := range header.X5c {
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: x5c[%d]", ErrFormat, i)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: x5c[%d]", ErrFormat, i)
		}
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return nil, chain, ErrCertValidity
		}
		subject := cert.Subject.String()
		issuer := cert.Issuer.String()
		if previousSubject != "" && issuer != previousSubject {
			return nil, chain, ErrChainMismatch
		}
		previousSubject = subject

		sum := sha256.Sum256(cert.Raw)
		chain = append(chain, ChainCert{
			Subject:     subject,
			Issuer:      issuer,
			NotBefore:   cert.NotBefore,
			NotAfter:    cert.NotAfter,
			Fingerprint: strings.ToUpper(hex.EncodeToString(sum[:])),
		})
		certs = append(certs, cert)
	}

	if len(v.allowedRoots) > 0 {
		rootFingerprint := chain[len(chain)-1].Fingerprint
		if _, ok := v.allowedRoots[rootFingerprint]; !ok {
			return nil, chain, ErrUntrustedRoot
		}
	}

	signature, err := decodeSegment(parts[2])
	if err != nil {
		return nil, chain, ErrFormat
	}
	signingInput := []byte(parts[0] + "." + parts[1])
	leaf := certs[0]
	if err := leaf.CheckSignature(x509.SHA256WithRSA, signingInput, signature); err != nil {
		return nil, chain, ErrBadSignature
	}

	payloadRaw, err := decodeSegment(parts[1])
	if err != nil {
		return nil, chain, ErrFormat
	}
	if !json.Valid(payloadRaw) {
		return nil, chain, ErrFormat
	}

	revoked, err := v.checkRevocation(chain)
	if err != nil || revoked {
		return nil, chain, ErrCertRevoked
	}

	return json.RawMessage(payloadRaw), chain, nil
}

// checkRevocation is a stub for OCSP/CRL checking, a stated gap carried over
// from the notification producer's documented trust model.
// TODO: implement OCSP lookup against the chain's issuing CAs.
func (v *AppleVerifier) checkRevocation(_ []ChainCert) (bool, error) {
	return false, nil
}

// decodeSegment accepts both url-safe and standard base64, padded or not.
func decodeSegment(segment string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(segment); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(segment); err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(segment)
}
