package clientauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// jwk is one published client key.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	// RSA parameters.
	N string `json:"n"`
	E string `json:"e"`
	// EC parameters.
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// JWKSProvider fetches and caches a client's published keys. One provider
// per jwks_uri; keys are refreshed when the cache expires or a kid misses.
type JWKSProvider struct {
	url      string
	cacheTTL time.Duration
	client   *http.Client

	mu         sync.RWMutex
	keys       map[string]any // kid -> *rsa.PublicKey or *ecdsa.PublicKey
	lastUpdate time.Time
}

// NewJWKSProvider creates a provider for one JWKS URL. The first fetch is
// lazy so a client with an unreachable jwks_uri only fails when it actually
// presents an assertion.
func NewJWKSProvider(url string, cacheTTL time.Duration) (*JWKSProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("JWKS URL is required")
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &JWKSProvider{
		url:      url,
		cacheTTL: cacheTTL,
		client:   &http.Client{Timeout: 10 * time.Second},
		keys:     make(map[string]any),
	}, nil
}

// GetKey returns the public key for kid, refreshing the cache when the kid
// is unknown or the cache has aged out.
func (p *JWKSProvider) GetKey(kid string) (any, error) {
	p.mu.RLock()
	key, ok := p.keys[kid]
	stale := time.Since(p.lastUpdate) > p.cacheTTL
	p.mu.RUnlock()

	if ok && !stale {
		return key, nil
	}

	if err := p.refresh(); err != nil {
		// A stale cached key beats an outage.
		if ok {
			return key, nil
		}
		return nil, fmt.Errorf("key %q not cached and refresh failed: %w", kid, err)
	}

	p.mu.RLock()
	key, ok = p.keys[kid]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key %q not found in JWKS", kid)
	}
	return key, nil
}

func (p *JWKSProvider) refresh() error {
	resp, err := p.client.Get(p.url)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS server returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read JWKS response: %w", err)
	}

	var set jwkSet
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("parse JWKS: %w", err)
	}

	newKeys := make(map[string]any)
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			continue
		}
		newKeys[k.Kid] = pub
	}
	if len(newKeys) == 0 {
		return fmt.Errorf("no usable signing keys in JWKS")
	}

	p.mu.Lock()
	p.keys = newKeys
	p.lastUpdate = time.Now()
	p.mu.Unlock()
	return nil
}

func (k *jwk) publicKey() (any, error) {
	switch k.Kty {
	case "RSA":
		return k.rsaKey()
	case "EC":
		return k.ecKey()
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func (k *jwk) rsaKey() (*rsa.PublicKey, error) {
	if k.N == "" || k.E == "" {
		return nil, fmt.Errorf("RSA JWK missing n or e")
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() > int64(1<<31-1) {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}

func (k *jwk) ecKey() (*ecdsa.PublicKey, error) {
	if k.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported curve %q", k.Crv)
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
