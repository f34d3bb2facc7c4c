package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authz-engine/oauth-core/internal/authcode"
	"github.com/authz-engine/oauth-core/internal/pkce"
	"github.com/authz-engine/oauth-core/internal/scope"
	"github.com/authz-engine/oauth-core/internal/storage"
)

// pendingTTL bounds how long a consent decision may take.
const pendingTTL = 15 * time.Minute

// AuthorizeResponse is returned to the consent UI collaborator after a
// valid authorization request: everything it needs to render the consent
// screen and complete the flow.
type AuthorizeResponse struct {
	PendingID   string   `json:"pending_id"`
	ClientID    string   `json:"client_id"`
	Scope       []string `json:"scope"`
	RedirectURI string   `json:"redirect_uri"`
	ExpiresAt   int64    `json:"expires_at"`
}

// HandleAuthorize serves GET /oauth/authorize. A request that fails client
// or redirect URI validation gets a local error page; every later failure
// redirects back to the client per RFC 6749 4.1.2.1.
func (s *Service) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAuthorizeLocalError(w, http.StatusBadRequest, "authorization requests must use GET")
		return
	}

	ctx := r.Context()
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")

	// Client and redirect URI must validate before anything is ever sent
	// to the redirect target.
	client, err := s.repo.FindClientByClientID(ctx, clientID)
	if err != nil || !client.IsActive {
		s.auditAuthorize(ctx, r, clientID, storage.AuditFailure, map[string]any{"reason": "unknown_client"})
		writeAuthorizeLocalError(w, http.StatusBadRequest, "unknown client")
		return
	}
	if redirectURI == "" || !client.HasRedirectURI(redirectURI) {
		s.auditAuthorize(ctx, r, clientID, storage.AuditFailure, map[string]any{"reason": "unregistered_redirect_uri"})
		writeAuthorizeLocalError(w, http.StatusBadRequest, "redirect_uri is not registered for this client")
		return
	}

	state := q.Get("state")
	redirectErr := func(code, desc string) {
		s.auditAuthorize(ctx, r, clientID, storage.AuditFailure, map[string]any{"reason": code})
		http.Redirect(w, r, errorRedirectURL(redirectURI, code, desc, state), http.StatusFound)
	}

	if rt := q.Get("response_type"); rt != "code" {
		redirectErr("unsupported_response_type", "only the code response type is supported")
		return
	}

	requested := scope.Parse(q.Get("scope"))
	validated, err := s.scopes.ValidateForClient(ctx, requested, client)
	if err != nil {
		if errors.Is(err, scope.ErrScopeNotAllowed) {
			redirectErr("invalid_scope", "requested scope is not available")
			return
		}
		s.logger.Error("scope validation failed", zap.Error(err))
		redirectErr("server_error", "")
		return
	}

	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if client.PKCERequired() && challenge == "" {
		redirectErr("invalid_request", "code_challenge is required")
		return
	}
	if challenge != "" {
		if method != pkce.MethodS256 {
			redirectErr("invalid_request", "code_challenge_method must be S256")
			return
		}
		if !pkce.ValidFormat(challenge) {
			redirectErr("invalid_request", "malformed code_challenge")
			return
		}
	}

	pending := &storage.PendingAuthorization{
		ID:              uuid.NewString(),
		ClientID:        client.ID,
		RedirectURI:     redirectURI,
		Scope:           validated,
		State:           state,
		Nonce:           q.Get("nonce"),
		CodeChallenge:   challenge,
		ChallengeMethod: method,
		CreatedAt:       time.Now(),
		ExpiresAt:       time.Now().Add(pendingTTL),
	}
	if err := s.repo.CreatePendingAuthorization(ctx, pending); err != nil {
		s.logger.Error("store pending authorization failed", zap.Error(err))
		redirectErr("server_error", "")
		return
	}

	s.auditAuthorize(ctx, r, clientID, storage.AuditSuccess, map[string]any{"scope": scope.Format(validated)})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(&AuthorizeResponse{
		PendingID:   pending.ID,
		ClientID:    client.ClientID,
		Scope:       validated,
		RedirectURI: redirectURI,
		ExpiresAt:   pending.ExpiresAt.Unix(),
	})
}

// ConsentResult carries the redirect target the consent UI sends the
// user-agent to.
type ConsentResult struct {
	RedirectTo string `json:"redirect_to"`
}

// HandleConsent serves POST /oauth/consent, the completion half of the
// consent bridge. The external consent UI is trusted to have authenticated
// the user it names.
func (s *Service) HandleConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		WriteError(w, ErrInvalidRequest("malformed form body"))
		return
	}
	pendingID := r.PostFormValue("pending_id")
	userID := r.PostFormValue("user_id")
	approved := r.PostFormValue("approved") == "true"

	if pendingID == "" {
		WriteError(w, ErrInvalidRequest("pending_id is required"))
		return
	}
	if approved && userID == "" {
		WriteError(w, ErrInvalidRequest("user_id is required for approval"))
		return
	}

	result, err := s.CompleteConsent(r.Context(), pendingID, userID, approved)
	if err != nil {
		WriteError(w, AsError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(result)
}

// CompleteConsent resolves a pending authorization: approval issues an
// authorization code bound to the user, denial redirects back with
// access_denied. Either way the pending record is consumed.
func (s *Service) CompleteConsent(ctx context.Context, pendingID, userID string, approved bool) (*ConsentResult, error) {
	pending, err := s.repo.TakePendingAuthorization(ctx, pendingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("authorization request expired or already completed")
		}
		return nil, err
	}

	if !approved {
		s.auditConsent(ctx, pending, userID, storage.AuditFailure)
		return &ConsentResult{
			RedirectTo: errorRedirectURL(pending.RedirectURI, "access_denied", "the resource owner denied the request", pending.State),
		}, nil
	}

	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("unknown user")
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInvalidGrant("user is deactivated")
	}

	code, err := s.codes.Issue(ctx, s.repo, authcode.IssueRequest{
		ClientID:        pending.ClientID,
		UserID:          user.ID,
		RedirectURI:     pending.RedirectURI,
		Scope:           pending.Scope,
		CodeChallenge:   pending.CodeChallenge,
		ChallengeMethod: pending.ChallengeMethod,
		Nonce:           pending.Nonce,
	})
	if err != nil {
		return nil, err
	}

	s.auditConsent(ctx, pending, user.ID, storage.AuditSuccess)

	u, err := url.Parse(pending.RedirectURI)
	if err != nil {
		return nil, ErrServerError()
	}
	q := u.Query()
	q.Set("code", code.Code)
	if pending.State != "" {
		q.Set("state", pending.State)
	}
	u.RawQuery = q.Encode()
	return &ConsentResult{RedirectTo: u.String()}, nil
}

func (s *Service) auditAuthorize(ctx context.Context, r *http.Request, clientID string, status storage.AuditStatus, details map[string]any) {
	s.record(ctx, &storage.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    "oauth.authorize",
		ActorType: storage.ActorClient,
		ActorID:   clientID,
		Status:    status,
		IP:        ClientIP(r),
		UserAgent: r.UserAgent(),
		Resource:  r.URL.Path,
		Details:   details,
	})
}

func (s *Service) auditConsent(ctx context.Context, pending *storage.PendingAuthorization, userID string, status storage.AuditStatus) {
	s.record(ctx, &storage.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    "oauth.consent",
		ActorType: storage.ActorUser,
		ActorID:   userID,
		Status:    status,
		Resource:  "/oauth/consent",
		Details: map[string]any{
			"scope": scope.Format(pending.Scope),
		},
	})
}

func errorRedirectURL(redirectURI, code, desc, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func writeAuthorizeLocalError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<html><body><h1>Authorization Error</h1><p>%s</p></body></html>", html.EscapeString(msg))
}
