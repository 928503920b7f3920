package webhookverify

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const googleCertsURL = "https://www.googleapis.com/oauth2/v1/certs"

var (
	ErrAlgorithm     = errors.New("ALG")
	ErrIssuer        = errors.New("ISS")
	ErrAudience      = errors.New("AUD")
	ErrExpired       = errors.New("EXP")
	ErrNotYetValid   = errors.New("NBF")
	ErrUnknownKeyID  = errors.New("KID")
	ErrCertFetch     = errors.New("CERT_FETCH_FAILED")
	ErrGoogleBadSig  = errors.New("BAD_SIGNATURE")
	ErrGoogleFormat  = errors.New("FORMAT")
)

// GoogleVerifier validates the RS256 bearer token attached to Pub/Sub push
// deliveries, against Google's published certificates. The certificate set is
// cached for a short TTL; the clock is injectable for deterministic tests.
type GoogleVerifier struct {
	httpClient *http.Client
	certsURL   string
	audience   string
	skew       time.Duration
	cacheTTL   time.Duration
	now        func() time.Time

	mu       sync.Mutex
	certs    map[string]string
	cachedAt time.Time
}

// NewGoogleVerifier builds a verifier. audience may be empty to skip the aud
// check; skew tolerates small clock drift on exp/nbf.
func NewGoogleVerifier(httpClient *http.Client, audience string, skew, cacheTTL time.Duration) *GoogleVerifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &GoogleVerifier{
		httpClient: httpClient,
		certsURL:   googleCertsURL,
		audience:   audience,
		skew:       skew,
		cacheTTL:   cacheTTL,
		now:        time.Now,
	}
}

// WithCertsURL points the verifier at an alternate certificate endpoint.
func (v *GoogleVerifier) WithCertsURL(url string) *GoogleVerifier {
	v.certsURL = url
	return v
}

// WithClock overrides the verifier clock. Test use only.
func (v *GoogleVerifier) WithClock(now func() time.Time) *GoogleVerifier {
	v.now = now
	return v
}

type googleClaims struct {
	Iss string `json:"iss"`
	Aud string `json:"aud"`
	Exp int64  `json:"exp"`
	Nbf int64  `json:"nbf"`
}

// Verify checks the token and returns its decoded claims.
func (v *GoogleVerifier) Verify(ctx context.Context, token string) (map[string]interface{}, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrGoogleFormat
	}

	headerRaw, err := decodeSegment(parts[0])
	if err != nil {
		return nil, ErrGoogleFormat
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return nil, ErrGoogleFormat
	}
	if header.Alg != "RS256" {
		return nil, ErrAlgorithm
	}

	payloadRaw, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrGoogleFormat
	}
	var claims googleClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return nil, ErrGoogleFormat
	}
	if claims.Iss != "accounts.google.com" && claims.Iss != "https://accounts.google.com" {
		return nil, ErrIssuer
	}
	if v.audience != "" && claims.Aud != v.audience {
		return nil, ErrAudience
	}
	now := v.now()
	if claims.Exp != 0 && now.After(time.Unix(claims.Exp, 0).Add(v.skew)) {
		return nil, ErrExpired
	}
	if claims.Nbf != 0 && now.Add(v.skew).Before(time.Unix(claims.Nbf, 0)) {
		return nil, ErrNotYetValid
	}

	certs, err := v.fetchCerts(ctx)
	if err != nil {
		return nil, err
	}
	pemCert, ok := certs[header.Kid]
	if !ok {
		return nil, ErrUnknownKeyID
	}
	publicKey, err := publicKeyFromPEM(pemCert)
	if err != nil {
		return nil, ErrGoogleFormat
	}

	signature, err := decodeSegment(parts[2])
	if err != nil {
		return nil, ErrGoogleFormat
	}
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], signature); err != nil {
		return nil, ErrGoogleBadSig
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payloadRaw, &decoded); err != nil {
		return nil, ErrGoogleFormat
	}
	return decoded, nil
}

func (v *GoogleVerifier) fetchCerts(ctx context.Context) (map[string]string, error) {
	v.mu.Lock()
	if len(v.certs) > 0 && v.now().Sub(v.cachedAt) < v.cacheTTL {
		certs := v.certs
		v.mu.Unlock()
		return certs, nil
	}
	v.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.certsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertFetch, err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrCertFetch, resp.StatusCode)
	}

	var certs map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&certs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertFetch, err)
	}

	v.mu.Lock()
	v.certs = certs
	v.cachedAt = v.now()
	v.mu.Unlock()
	return certs, nil
}

func publicKeyFromPEM(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		key, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("certificate key is not RSA")
		}
		return key, nil
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("key is not RSA")
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}
