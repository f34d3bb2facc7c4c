// Package authcode issues and redeems single-use authorization codes.
package authcode

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/authz-engine/oauth-core/internal/pkce"
	"github.com/authz-engine/oauth-core/internal/storage"
)

// TTL is the lifetime of an authorization code.
const TTL = 10 * time.Minute

var (
	// ErrInvalidCode covers unknown, expired and mismatched codes. Coarse
	// on purpose: the client only ever learns invalid_grant.
	ErrInvalidCode = errors.New("invalid authorization code")

	// ErrCodeReplayed is returned when a consumed code is presented again.
	// The caller must treat this as a theft signal.
	ErrCodeReplayed = errors.New("authorization code replayed")

	// ErrCodeExpired is returned for a code past its TTL. The caller
	// deletes the record outside its (aborting) redemption transaction.
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrPKCEFailed is returned when the code verifier check fails.
	ErrPKCEFailed = errors.New("PKCE verification failed")
)

// Store issues and redeems codes against the repository.
type Store struct {
	logger *zap.Logger
}

// NewStore creates an authorization code store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{logger: logger}
}

// IssueRequest carries everything a new code must bind together.
type IssueRequest struct {
	ClientID        string // surrogate client id
	UserID          string
	RedirectURI     string
	Scope           []string
	CodeChallenge   string
	ChallengeMethod string
	Nonce           string
}

// Issue mints a fresh 256-bit code and persists it.
func (s *Store) Issue(ctx context.Context, repo storage.Repository, req IssueRequest) (*storage.AuthorizationCode, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate authorization code: %w", err)
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:            hex.EncodeToString(buf),
		ClientID:        req.ClientID,
		UserID:          req.UserID,
		RedirectURI:     req.RedirectURI,
		Scope:           req.Scope,
		CodeChallenge:   req.CodeChallenge,
		ChallengeMethod: req.ChallengeMethod,
		Nonce:           req.Nonce,
		ExpiresAt:       now.Add(TTL),
		CreatedAt:       now,
	}
	if err := repo.CreateAuthCode(ctx, code); err != nil {
		return nil, fmt.Errorf("store authorization code: %w", err)
	}
	return code, nil
}

// RedeemRequest carries the token request parameters bound to a code.
type RedeemRequest struct {
	Code         string
	ClientID     string // surrogate id of the authenticated client
	RedirectURI  string
	CodeVerifier string
}

// Redeem validates and consumes a code. It must run on a transaction-bound
// repository so consumption and token issuance commit together.
//
// A replay returns ErrCodeReplayed; the caller follows up with RevokeDerived
// outside the aborted transaction. An expired code returns ErrCodeExpired;
// the caller deletes the record the same way. A PKCE mismatch fails without
// consuming the code.
func (s *Store) Redeem(ctx context.Context, repo storage.Repository, req RedeemRequest) (*storage.AuthorizationCode, error) {
	code, err := repo.FindAuthCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidCode
		}
		return nil, fmt.Errorf("look up authorization code: %w", err)
	}

	if code.ConsumedAt != nil {
		s.logger.Warn("authorization code replay detected",
			zap.String("client_id", req.ClientID))
		return nil, ErrCodeReplayed
	}

	if time.Now().After(code.ExpiresAt) {
		return nil, ErrCodeExpired
	}

	if code.ClientID != req.ClientID {
		return nil, ErrInvalidCode
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, ErrInvalidCode
	}

	if code.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, ErrPKCEFailed
		}
		if err := pkce.VerifyS256(req.CodeVerifier, code.CodeChallenge, code.ChallengeMethod); err != nil {
			return nil, ErrPKCEFailed
		}
	} else if req.CodeVerifier != "" {
		// A verifier without a recorded challenge means the authorize
		// request and token request disagree.
		return nil, ErrPKCEFailed
	}

	if err := repo.ConsumeAuthCode(ctx, code.Code, time.Now()); err != nil {
		if errors.Is(err, storage.ErrCodeConsumed) {
			return nil, ErrCodeReplayed
		}
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	return code, nil
}

// RevokeDerived revokes every token issued off a replayed code and
// blacklists their JTIs. Callers run this in its own transaction after the
// redemption transaction rolled back, so the revocations actually commit.
func (s *Store) RevokeDerived(ctx context.Context, repo storage.Repository, code string) error {
	access, refresh, err := repo.RevokeTokensIssuedForCode(ctx, code)
	if err != nil {
		return fmt.Errorf("revoke tokens for replayed code: %w", err)
	}
	for _, t := range access {
		if err := repo.BlacklistJTI(ctx, t.JTI, t.ExpiresAt); err != nil {
			s.logger.Warn("blacklist jti after code replay failed", zap.Error(err))
		}
	}
	for _, t := range refresh {
		if err := repo.BlacklistJTI(ctx, t.JTI, t.ExpiresAt); err != nil {
			s.logger.Warn("blacklist jti after code replay failed", zap.Error(err))
		}
	}
	return nil
}
