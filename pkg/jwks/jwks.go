package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingKeyID = errors.New("token header has no kid")
	ErrKeyNotFound  = errors.New("kid not present in key set")
	ErrAudMismatch  = errors.New("aud mismatch")
	ErrIssMismatch  = errors.New("iss mismatch")
)

const defaultKeyTTL = time.Hour

type cachedKey struct {
	key      *rsa.PublicKey
	expireAt time.Time
}

// Client verifies RS256 identity tokens against a remote JWK set. Resolved
// keys are cached per (url, kid) for an hour.
type Client struct {
	httpClient *http.Client
	ttl        time.Duration
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]cachedKey
}

// NewClient builds a JWKS client.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		ttl:        defaultKeyTTL,
		now:        time.Now,
		cache:      make(map[string]cachedKey),
	}
}

// VerifyOptions narrows the accepted audience and issuers.
type VerifyOptions struct {
	ExpectedAudience string
	ExpectedIssuers  []string
}

// Verify checks the token signature and registered claims, then applies the
// audience and issuer constraints. It returns the token claims on success.
func (c *Client) Verify(ctx context.Context, token, jwksURL string, opts VerifyOptions) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrMissingKeyID
		}
		return c.keyForKid(ctx, jwksURL, kid)
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}

	if opts.ExpectedAudience != "" {
		aud, _ := claims["aud"].(string)
		if aud != opts.ExpectedAudience {
			return nil, ErrAudMismatch
		}
	}
	if len(opts.ExpectedIssuers) > 0 {
		iss, _ := claims["iss"].(string)
		allowed := false
		for _, candidate := range opts.ExpectedIssuers {
			if iss == candidate {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, ErrIssMismatch
		}
	}
	return claims, nil
}

func (c *Client) keyForKid(ctx context.Context, jwksURL, kid string) (*rsa.PublicKey, error) {
	cacheKey := jwksURL + ":" + kid

	c.mu.Lock()
	if cached, ok := c.cache[cacheKey]; ok && c.now().Before(cached.expireAt) {
		c.mu.Unlock()
		return cached.key, nil
	}
	c.mu.Unlock()

	set, err := c.fetchKeySet(ctx, jwksURL)
	if err != nil {
		return nil, err
	}
	for _, jwk := range set.Keys {
		if jwk.Kid != kid {
			continue
		}
		key, err := jwk.publicKey()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[cacheKey] = cachedKey{key: key, expireAt: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return key, nil
	}
	return nil, ErrKeyNotFound
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jsonWebKeySet struct {
	Keys []jsonWebKey `json:"keys"`
}

func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
	modulus, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	exponent, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := 0
	for _, b := range exponent {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: e}, nil
}

func (c *Client) fetchKeySet(ctx context.Context, url string) (*jsonWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch failed: status %d", resp.StatusCode)
	}
	var set jsonWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("jwks decode failed: %w", err)
	}
	return &set, nil
}
