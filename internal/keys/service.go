// Package keys manages the RSA signing keys of the token engine: the current
// signing key, the previous key kept verifiable through a rotation window,
// and their JWKS publication.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const rsaKeySize = 2048

// KeyPair is one RSA signing key with its version identifier.
type KeyPair struct {
	KID        string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	CreatedAt  time.Time
}

// JWK is one entry of the published key set.
type JWK struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	KID string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the JSON Web Key Set served at /.well-known/jwks.json.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// Service holds the current and previous signing keys. Signing always uses
// the current key; verification accepts both so tokens signed before a
// rotation stay valid until they expire.
type Service struct {
	mu       sync.RWMutex
	current  *KeyPair
	previous *KeyPair

	rotateMu sync.Mutex // at most one rotation in flight

	logger *zap.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewService creates a key service with current (required) and previous
// (optional) key pairs.
func NewService(current, previous *KeyPair, logger *zap.Logger) (*Service, error) {
	if current == nil || current.PrivateKey == nil {
		return nil, fmt.Errorf("current signing key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		current:  current,
		previous: previous,
		logger:   logger,
		stop:     make(chan struct{}),
	}, nil
}

// CurrentKID returns the key id tokens are currently signed with.
func (s *Service) CurrentKID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.KID
}

// Sign signs the claims with the current key, stamping its kid into the
// token header.
func (s *Service) Sign(claims jwt.Claims) (string, error) {
	s.mu.RLock()
	key := s.current
	s.mu.RUnlock()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.KID

	signed, err := token.SignedString(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the token's RS256 signature against the current key, then
// the previous key. It validates the signature only; claim validation is the
// caller's job. Returns the kid of the key that verified the token.
func (s *Service) Verify(raw string) (*jwt.Token, string, error) {
	s.mu.RLock()
	current, previous := s.current, s.previous
	s.mu.RUnlock()

	token, err := parseWithKey(raw, current.PublicKey)
	if err == nil {
		return token, current.KID, nil
	}

	if previous != nil {
		if token, perr := parseWithKey(raw, previous.PublicKey); perr == nil {
			return token, previous.KID, nil
		}
	}
	return nil, "", fmt.Errorf("verify token: %w", err)
}

func parseWithKey(raw string, pub *rsa.PublicKey) (*jwt.Token, error) {
	return jwt.Parse(raw,
		func(t *jwt.Token) (any, error) {
			// Reject anything but RS256 before touching the key. Guards
			// against algorithm-confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return pub, nil
		},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithoutClaimsValidation(),
	)
}

// Keyfunc resolves the verification key for a parsed token header, matching
// the kid against the current and previous slots. Tokens without a known kid
// fall back to the current key.
func (s *Service) Keyfunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}

	s.mu.RLock()
	current, previous := s.current, s.previous
	s.mu.RUnlock()

	kid, _ := t.Header["kid"].(string)
	if previous != nil && kid == previous.KID {
		return previous.PublicKey, nil
	}
	return current.PublicKey, nil
}

// Rotate generates a fresh key pair, promotes it to current and demotes the
// old current key to previous. The demoted key keeps verifying until the
// next rotation.
func (s *Service) Rotate() (string, error) {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeySize)
	if err != nil {
		return "", fmt.Errorf("generate RSA key: %w", err)
	}

	s.mu.Lock()
	next := &KeyPair{
		KID:        nextKID(s.current.KID),
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		CreatedAt:  time.Now(),
	}
	prevKID := s.current.KID
	s.previous = s.current
	s.current = next
	s.mu.Unlock()

	s.logger.Info("signing key rotated",
		zap.String("kid", next.KID),
		zap.String("previous_kid", prevKID))
	return next.KID, nil
}

// Install replaces the current key with an externally loaded pair, demoting
// the old current key. Used by the file watcher on key file changes.
func (s *Service) Install(pair *KeyPair) error {
	if pair == nil || pair.PrivateKey == nil {
		return fmt.Errorf("installed key pair is incomplete")
	}
	s.mu.Lock()
	s.previous = s.current
	s.current = pair
	s.mu.Unlock()

	s.logger.Info("signing key installed", zap.String("kid", pair.KID))
	return nil
}

// nextKID increments a "vN" version; anything else restarts at v2 to keep
// kids unique after an externally named initial key.
func nextKID(kid string) string {
	if strings.HasPrefix(kid, "v") {
		if n, err := strconv.Atoi(kid[1:]); err == nil {
			return "v" + strconv.Itoa(n+1)
		}
	}
	return "v2"
}

// JWKS returns the public keys for the current and previous slots.
func (s *Service) JWKS() *JWKS {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := &JWKS{Keys: make([]JWK, 0, 2)}
	set.Keys = append(set.Keys, toJWK(s.current))
	if s.previous != nil {
		set.Keys = append(set.Keys, toJWK(s.previous))
	}
	return set
}

func toJWK(pair *KeyPair) JWK {
	return JWK{
		Kty: "RSA",
		Alg: "RS256",
		Use: "sig",
		KID: pair.KID,
		N:   base64.RawURLEncoding.EncodeToString(pair.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pair.PublicKey.E)).Bytes()),
	}
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of a public key.
func Thumbprint(pub *rsa.PublicKey) string {
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	canonical := fmt.Sprintf(`{"e":"%s","kty":"RSA","n":"%s"}`, e, n)
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// StartRotation rotates the signing key every interval until Close.
func (s *Service) StartRotation(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Rotate(); err != nil {
					s.logger.Error("scheduled key rotation failed", zap.Error(err))
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Close stops background rotation and watching.
func (s *Service) Close() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}
