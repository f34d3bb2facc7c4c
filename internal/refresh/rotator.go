// Package refresh rotates refresh tokens: every use retires the presented
// token and issues a successor, and reuse of a retired token revokes the
// whole rotation chain.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authz-engine/oauth-core/internal/jwt"
	"github.com/authz-engine/oauth-core/internal/scope"
	"github.com/authz-engine/oauth-core/internal/storage"
)

var (
	// ErrInvalidToken covers unknown, expired and foreign refresh tokens.
	ErrInvalidToken = errors.New("invalid refresh token")

	// ErrTokenReused is returned when a retired token is presented again.
	// By then the whole chain has been revoked.
	ErrTokenReused = errors.New("refresh token reused")
)

// Rotator implements the refresh token grant.
type Rotator struct {
	engine *jwt.Engine
	logger *zap.Logger
}

// NewRotator creates a refresh token rotator.
func NewRotator(engine *jwt.Engine, logger *zap.Logger) *Rotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rotator{engine: engine, logger: logger}
}

// Rotation is the outcome of a successful refresh.
type Rotation struct {
	AccessToken  *jwt.IssuedToken
	RefreshToken *jwt.IssuedToken
	Scope        []string
	UserID       string
}

// Rotate verifies and retires the presented refresh token and issues a new
// access/refresh pair. Requested scopes may narrow the original grant but
// never widen it; empty requested scope keeps the full grant.
func (r *Rotator) Rotate(ctx context.Context, repo storage.Repository, client *storage.Client, raw string, requested []string) (*Rotation, error) {
	claims, err := r.engine.VerifyRefreshToken(ctx, raw)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenRevoked) {
			// The JWT is blacklisted; make sure the stored chain is dead
			// too before failing.
			r.revokeChainByHash(ctx, repo, jwt.HashToken(raw), client)
			return nil, ErrTokenReused
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	hash := jwt.HashToken(raw)
	var result *Rotation

	txErr := repo.WithinTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		record, err := tx.FindRefreshTokenByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrInvalidToken
			}
			return fmt.Errorf("look up refresh token: %w", err)
		}

		if record.ClientID != client.ID {
			return ErrInvalidToken
		}
		if record.Revoked {
			return ErrTokenReused
		}
		if time.Now().After(record.ExpiresAt) {
			return ErrInvalidToken
		}

		granted := record.Scope
		effective := granted
		if len(requested) > 0 {
			// Widening surfaces as a scope error, not a token error.
			if err := scope.ValidateWithinGrant(requested, granted); err != nil {
				return err
			}
			effective = requested
		}

		var permissions []string
		subject := claims.Subject
		if record.UserID != "" {
			user, err := tx.FindUserByID(ctx, record.UserID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return ErrInvalidToken
				}
				return fmt.Errorf("look up user: %w", err)
			}
			if !user.IsActive {
				return ErrInvalidToken
			}
			permissions, err = tx.GetUserEffectivePermissions(ctx, user.ID)
			if err != nil {
				return fmt.Errorf("load permissions: %w", err)
			}
			subject = user.ID
		}

		scopeStr := scope.Format(effective)
		access, err := r.engine.IssueAccessToken(subject, client.ClientID, scopeStr, permissions,
			r.engine.AccessTokenTTL(client.AccessTokenTTL))
		if err != nil {
			return err
		}
		next, err := r.engine.IssueRefreshToken(subject, client.ClientID, scopeStr,
			r.engine.RefreshTokenTTL(client.RefreshTokenTTL))
		if err != nil {
			return err
		}

		now := time.Now()
		newRecordID := uuid.NewString()
		if err := tx.CreateAccessToken(ctx, &storage.AccessToken{
			ID:        uuid.NewString(),
			TokenHash: access.Hash,
			JTI:       access.JTI,
			ClientID:  client.ID,
			UserID:    record.UserID,
			Scope:     effective,
			ExpiresAt: access.ExpiresAt,
			AuthCode:  record.AuthCode,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("store access token: %w", err)
		}
		if err := tx.CreateRefreshToken(ctx, &storage.RefreshToken{
			ID:              newRecordID,
			TokenHash:       next.Hash,
			JTI:             next.JTI,
			ClientID:        client.ID,
			UserID:          record.UserID,
			Scope:           granted, // the full grant survives rotation
			ExpiresAt:       next.ExpiresAt,
			PreviousTokenID: record.ID,
			AuthCode:        record.AuthCode,
			CreatedAt:       now,
		}); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
		if err := tx.RevokeRefreshToken(ctx, record.ID, newRecordID, now); err != nil {
			return fmt.Errorf("retire refresh token: %w", err)
		}
		// The retired JWT must die with its row.
		if err := tx.BlacklistJTI(ctx, record.JTI, record.ExpiresAt); err != nil {
			r.logger.Warn("blacklist retired refresh jti failed", zap.Error(err))
		}

		result = &Rotation{
			AccessToken:  access,
			RefreshToken: next,
			Scope:        effective,
			UserID:       record.UserID,
		}
		return nil
	})

	if txErr != nil {
		if errors.Is(txErr, ErrTokenReused) {
			// Reuse is a theft signal: kill every descendant and ancestor
			// in a transaction that actually commits.
			r.revokeChainByHash(ctx, repo, hash, client)
			return nil, ErrTokenReused
		}
		return nil, txErr
	}
	return result, nil
}

// revokeChainByHash revokes the whole rotation chain the hashed token
// belongs to and blacklists every JTI in it.
func (r *Rotator) revokeChainByHash(ctx context.Context, repo storage.Repository, hash string, client *storage.Client) {
	err := repo.WithinTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		record, err := tx.FindRefreshTokenByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if record.ClientID != client.ID {
			return nil
		}
		revoked, err := tx.RevokeRefreshTokenChain(ctx, record.ID)
		if err != nil {
			return err
		}
		for _, t := range revoked {
			if err := tx.BlacklistJTI(ctx, t.JTI, t.ExpiresAt); err != nil {
				r.logger.Warn("blacklist chain jti failed", zap.Error(err))
			}
		}
		r.logger.Warn("refresh token reuse detected, chain revoked",
			zap.String("client_id", client.ClientID),
			zap.Int("tokens_revoked", len(revoked)))
		return nil
	})
	if err != nil {
		r.logger.Error("revoke refresh chain failed", zap.Error(err))
	}
}
