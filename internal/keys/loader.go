package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/authz-engine/oauth-core/internal/config"
)

// Load builds the key service from configuration. Key sources in priority
// order: inline PEM, file paths, generated in-memory pair. Generated keys
// are refused in production.
func Load(cfg *config.JWTConfig, production bool, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	current, err := loadCurrent(cfg)
	if err != nil {
		return nil, err
	}
	if current == nil {
		if production {
			return nil, fmt.Errorf("no signing key configured; production requires JWT_PRIVATE_KEY or JWT_PRIVATE_KEY_PATH")
		}
		logger.Warn("no signing key configured, generating an ephemeral RSA key; tokens will not survive a restart")
		current, err = generatePair(cfg.KeyID)
		if err != nil {
			return nil, err
		}
	}

	previous, err := loadPrevious(cfg, current.KID)
	if err != nil {
		return nil, err
	}

	return NewService(current, previous, logger)
}

func loadCurrent(cfg *config.JWTConfig) (*KeyPair, error) {
	privPEM := []byte(cfg.PrivateKeyPEM)
	if len(privPEM) == 0 && cfg.PrivateKeyPath != "" {
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		privPEM = data
	}
	if len(privPEM) == 0 {
		return nil, nil
	}
	return pairFromPEM(privPEM, cfg.KeyID)
}

func loadPrevious(cfg *config.JWTConfig, currentKID string) (*KeyPair, error) {
	if cfg.OldPrivateKeyPEM == "" {
		return nil, nil
	}
	pair, err := pairFromPEM([]byte(cfg.OldPrivateKeyPEM), previousKID(currentKID))
	if err != nil {
		return nil, fmt.Errorf("load previous key: %w", err)
	}
	return pair, nil
}

// previousKID derives the slot below a "vN" kid, or tags the pair as "-old".
func previousKID(currentKID string) string {
	if len(currentKID) > 1 && currentKID[0] == 'v' {
		if currentKID == "v1" {
			return "v0"
		}
		var n int
		if _, err := fmt.Sscanf(currentKID, "v%d", &n); err == nil {
			return fmt.Sprintf("v%d", n-1)
		}
	}
	return currentKID + "-old"
}

func pairFromPEM(privPEM []byte, kid string) (*KeyPair, error) {
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("parse RSA private key: %w", err)
	}
	if priv.N.BitLen() < rsaKeySize {
		return nil, fmt.Errorf("RSA key too small: %d bits, need at least %d", priv.N.BitLen(), rsaKeySize)
	}
	if kid == "" {
		kid = "v1"
	}
	return &KeyPair{
		KID:        kid,
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		CreatedAt:  time.Now(),
	}, nil
}

func generatePair(kid string) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeySize)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	if kid == "" {
		kid = "v1"
	}
	return &KeyPair{
		KID:        kid,
		PrivateKey: priv,
		PublicKey:  &priv.PublicKey,
		CreatedAt:  time.Now(),
	}, nil
}
