package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authz-engine/oauth-core/internal/authcode"
	"github.com/authz-engine/oauth-core/internal/clientauth"
	"github.com/authz-engine/oauth-core/internal/jwt"
	"github.com/authz-engine/oauth-core/internal/refresh"
	"github.com/authz-engine/oauth-core/internal/scope"
	"github.com/authz-engine/oauth-core/internal/storage"
)

// Grant type identifiers.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
)

// TokenResponse is the success body of the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// HandleToken serves POST /oauth/token.
func (s *Service) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, ErrInvalidRequest("token requests must use POST"))
		return
	}
	if ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || ct != "application/x-www-form-urlencoded" {
		WriteError(w, ErrInvalidRequest("content type must be application/x-www-form-urlencoded"))
		return
	}
	if err := r.ParseForm(); err != nil {
		WriteError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	ctx := r.Context()
	grantType := r.PostFormValue("grant_type")

	auth, err := s.authenticator.Authenticate(ctx, r)
	if err != nil {
		s.observe(grantType, "invalid_client")
		s.auditGrant(ctx, r, grantType, "", storage.AuditFailure, map[string]any{"reason": "client_authentication"})
		WriteError(w, ErrInvalidClient())
		return
	}
	client := auth.Client

	if grantType == "" {
		s.failGrant(w, ctx, r, client, grantType, ErrInvalidRequest("grant_type is required"))
		return
	}
	if grantType != GrantAuthorizationCode && grantType != GrantRefreshToken && grantType != GrantClientCredentials {
		s.failGrant(w, ctx, r, client, grantType, ErrUnsupportedGrantType())
		return
	}
	if !client.HasGrantType(grantType) {
		s.failGrant(w, ctx, r, client, grantType, ErrUnauthorizedClient())
		return
	}

	var resp *TokenResponse
	switch grantType {
	case GrantAuthorizationCode:
		resp, err = s.authorizationCodeGrant(ctx, r, auth)
	case GrantRefreshToken:
		resp, err = s.refreshTokenGrant(ctx, r, client)
	case GrantClientCredentials:
		resp, err = s.clientCredentialsGrant(ctx, r, auth)
	}
	if err != nil {
		s.failGrant(w, ctx, r, client, grantType, AsError(err))
		return
	}

	s.observe(grantType, "success")
	s.auditGrant(ctx, r, grantType, client.ClientID, storage.AuditSuccess, map[string]any{"scope": resp.Scope})
	writeTokenResponse(w, resp)
}

func (s *Service) failGrant(w http.ResponseWriter, ctx context.Context, r *http.Request, client *storage.Client, grantType string, oerr *Error) {
	if oerr.Code == "server_error" {
		s.logger.Error("token grant failed", zap.String("grant_type", grantType))
	}
	s.observe(grantType, oerr.Code)
	s.auditGrant(ctx, r, grantType, client.ClientID, storage.AuditFailure, map[string]any{"reason": oerr.Code})
	WriteError(w, oerr)
}

func writeTokenResponse(w http.ResponseWriter, resp *TokenResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Service) authorizationCodeGrant(ctx context.Context, r *http.Request, auth *clientauth.Result) (*TokenResponse, error) {
	client := auth.Client
	codeParam := r.PostFormValue("code")
	if codeParam == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	redirectURI := r.PostFormValue("redirect_uri")
	verifier := r.PostFormValue("code_verifier")

	if client.PKCERequired() && verifier == "" {
		return nil, ErrInvalidRequest("code_verifier is required")
	}

	var resp *TokenResponse
	txErr := s.repo.WithinTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		code, err := s.codes.Redeem(ctx, tx, authcode.RedeemRequest{
			Code:         codeParam,
			ClientID:     client.ID,
			RedirectURI:  redirectURI,
			CodeVerifier: verifier,
		})
		if err != nil {
			return err
		}

		user, err := tx.FindUserByID(ctx, code.UserID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrInvalidGrant("authorization is no longer valid")
			}
			return err
		}
		if !user.IsActive {
			return ErrInvalidGrant("authorization is no longer valid")
		}
		permissions, err := tx.GetUserEffectivePermissions(ctx, user.ID)
		if err != nil {
			return err
		}

		resp, err = s.issueCodeTokens(ctx, tx, client, user, code, permissions)
		return err
	})

	if txErr != nil {
		if errors.Is(txErr, authcode.ErrCodeReplayed) {
			// The redemption transaction rolled back; commit the
			// defensive revocation separately.
			if err := s.repo.WithinTx(ctx, func(ctx context.Context, tx storage.Repository) error {
				return s.codes.RevokeDerived(ctx, tx, codeParam)
			}); err != nil {
				s.logger.Error("revoke tokens for replayed code failed", zap.Error(err))
			}
			return nil, ErrInvalidGrant("authorization code is invalid")
		}
		if errors.Is(txErr, authcode.ErrCodeExpired) {
			// The lookup transaction rolled back; delete the dead
			// record in a transaction that commits.
			if err := s.repo.WithinTx(ctx, func(ctx context.Context, tx storage.Repository) error {
				return tx.DeleteAuthCode(ctx, codeParam)
			}); err != nil {
				s.logger.Error("delete expired authorization code failed", zap.Error(err))
			}
			return nil, ErrInvalidGrant("authorization code is invalid")
		}
		if errors.Is(txErr, authcode.ErrInvalidCode) || errors.Is(txErr, authcode.ErrPKCEFailed) {
			return nil, ErrInvalidGrant("authorization code is invalid")
		}
		return nil, txErr
	}
	return resp, nil
}

func (s *Service) issueCodeTokens(ctx context.Context, tx storage.Repository, client *storage.Client, user *storage.User, code *storage.AuthorizationCode, permissions []string) (*TokenResponse, error) {
	scopeStr := scope.Format(code.Scope)

	access, err := s.engine.IssueAccessToken(user.ID, client.ClientID, scopeStr, permissions,
		s.engine.AccessTokenTTL(client.AccessTokenTTL))
	if err != nil {
		return nil, err
	}
	refreshTok, err := s.engine.IssueRefreshToken(user.ID, client.ClientID, scopeStr,
		s.engine.RefreshTokenTTL(client.RefreshTokenTTL))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := tx.CreateAccessToken(ctx, &storage.AccessToken{
		ID:        uuid.NewString(),
		TokenHash: access.Hash,
		JTI:       access.JTI,
		ClientID:  client.ID,
		UserID:    user.ID,
		Scope:     code.Scope,
		ExpiresAt: access.ExpiresAt,
		AuthCode:  code.Code,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	if err := tx.CreateRefreshToken(ctx, &storage.RefreshToken{
		ID:        uuid.NewString(),
		TokenHash: refreshTok.Hash,
		JTI:       refreshTok.JTI,
		ClientID:  client.ID,
		UserID:    user.ID,
		Scope:     code.Scope,
		ExpiresAt: refreshTok.ExpiresAt,
		AuthCode:  code.Code,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken:  access.Raw,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(access.ExpiresAt).Seconds()),
		RefreshToken: refreshTok.Raw,
		Scope:        scopeStr,
	}

	if scope.IsOIDC(code.Scope) {
		idToken, err := s.engine.IssueIDToken(client.ClientID, jwt.IDTokenInput{
			User:  user,
			Scope: code.Scope,
			Nonce: code.Nonce,
		})
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken.Raw
	}
	return resp, nil
}

func (s *Service) refreshTokenGrant(ctx context.Context, r *http.Request, client *storage.Client) (*TokenResponse, error) {
	raw := r.PostFormValue("refresh_token")
	if raw == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}
	requested := scope.Parse(r.PostFormValue("scope"))

	rotation, err := s.rotator.Rotate(ctx, s.repo, client, raw, requested)
	if err != nil {
		switch {
		case errors.Is(err, scope.ErrScopeExceedsGrant):
			return nil, ErrInvalidScope("requested scope exceeds the original grant")
		case errors.Is(err, refresh.ErrTokenReused), errors.Is(err, refresh.ErrInvalidToken):
			return nil, ErrInvalidGrant("refresh token is invalid")
		default:
			return nil, err
		}
	}

	return &TokenResponse{
		AccessToken:  rotation.AccessToken.Raw,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(rotation.AccessToken.ExpiresAt).Seconds()),
		RefreshToken: rotation.RefreshToken.Raw,
		Scope:        scope.Format(rotation.Scope),
	}, nil
}

func (s *Service) clientCredentialsGrant(ctx context.Context, r *http.Request, auth *clientauth.Result) (*TokenResponse, error) {
	client := auth.Client
	if client.IsPublic() || auth.Method == clientauth.MethodNone {
		// Machine credentials require an actual authentication.
		return nil, ErrUnauthorizedClient()
	}

	requested := scope.Parse(r.PostFormValue("scope"))
	var granted []string
	if len(requested) > 0 {
		validated, err := s.scopes.ValidateForClient(ctx, requested, client)
		if err != nil {
			if errors.Is(err, scope.ErrScopeNotAllowed) {
				return nil, ErrInvalidScope(err.Error())
			}
			return nil, err
		}
		granted = validated
	} else {
		// Default to the client's full registration.
		granted = client.AllowedScopes
	}

	scopeStr := scope.Format(granted)
	access, err := s.engine.IssueAccessToken(client.ClientID, client.ClientID, scopeStr, nil,
		s.engine.AccessTokenTTL(client.AccessTokenTTL))
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateAccessToken(ctx, &storage.AccessToken{
		ID:        uuid.NewString(),
		TokenHash: access.Hash,
		JTI:       access.JTI,
		ClientID:  client.ID,
		Scope:     granted,
		ExpiresAt: access.ExpiresAt,
		CreatedAt: time.Now(),
	}); err != nil {
		return nil, err
	}

	// No refresh token for machine clients; they re-authenticate instead.
	return &TokenResponse{
		AccessToken: access.Raw,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(access.ExpiresAt).Seconds()),
		Scope:       scopeStr,
	}, nil
}

func (s *Service) auditGrant(ctx context.Context, r *http.Request, grantType, clientID string, status storage.AuditStatus, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["grant_type"] = grantType
	s.record(ctx, &storage.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    "oauth.token",
		ActorType: storage.ActorClient,
		ActorID:   clientID,
		Status:    status,
		IP:        ClientIP(r),
		UserAgent: r.UserAgent(),
		Resource:  r.URL.Path,
		Details:   details,
	})
}

/// ClientIP extracts the originating address: the first X-Forwarded-For
// entry when present, else the peer address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}
