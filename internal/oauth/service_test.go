package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/authz-engine/oauth-core/internal/authcode"
	"github.com/authz-engine/oauth-core/internal/clientauth"
	"github.com/authz-engine/oauth-core/internal/jwt"
	"github.com/authz-engine/oauth-core/internal/keys"
	"github.com/authz-engine/oauth-core/internal/pkce"
	"github.com/authz-engine/oauth-core/internal/refresh"
	"github.com/authz-engine/oauth-core/internal/scope"
	"github.com/authz-engine/oauth-core/internal/storage"
)

const (
	testIssuer      = "https://auth.example.com"
	testSecret      = "web-app-secret"
	testRedirectURI = "https://app.example.com/callback"
)

// capturingRecorder collects audit entries for assertions.
type capturingRecorder struct {
	entries []*storage.AuditEntry
}

func (c *capturingRecorder) Record(_ context.Context, e *storage.AuditEntry) {
	c.entries = append(c.entries, e)
}

func (c *capturingRecorder) find(action string, status storage.AuditStatus) *storage.AuditEntry {
	for _, e := range c.entries {
		if e.Action == action && e.Status == status {
			return e
		}
	}
	return nil
}

type fixture struct {
	svc    *Service
	repo   *storage.MemoryRepository
	engine *jwt.Engine
	audit  *capturingRecorder

	confidential *storage.Client
	public       *storage.Client
	machine      *storage.Client
	user         *storage.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ks, err := keys.NewService(&keys.KeyPair{
		KID: "v1", PrivateKey: priv, PublicKey: &priv.PublicKey,
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(ks.Close)

	repo := storage.NewMemoryRepository()
	engine, err := jwt.NewEngine(ks, repo, jwt.Options{
		Issuer:   testIssuer,
		Audience: "api",
	}, nil)
	require.NoError(t, err)

	for _, s := range []*storage.Scope{
		{Name: "openid", IsPublic: true, IsActive: true},
		{Name: "profile", IsPublic: true, IsActive: true},
		{Name: "email", IsPublic: true, IsActive: true},
		{Name: "reports", IsPublic: false, IsActive: true},
	} {
		repo.AddScope(s)
	}

	secretHash, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
	require.NoError(t, err)

	confidential := &storage.Client{
		ID:            "c-web",
		ClientID:      "web-app",
		Type:          storage.ClientTypeConfidential,
		SecretHash:    string(secretHash),
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: []string{"openid", "profile", "email"},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		IsActive:      true,
	}
	public := &storage.Client{
		ID:            "c-spa",
		ClientID:      "spa-app",
		Type:          storage.ClientTypePublic,
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: []string{"openid", "profile"},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		IsActive:      true,
	}
	machine := &storage.Client{
		ID:            "c-m2m",
		ClientID:      "reporting-batch",
		Type:          storage.ClientTypeConfidential,
		SecretHash:    string(secretHash),
		AllowedScopes: []string{"reports"},
		GrantTypes:    []string{"client_credentials"},
		IsActive:      true,
	}
	repo.AddClient(confidential)
	repo.AddClient(public)
	repo.AddClient(machine)

	user := &storage.User{
		ID:            "u-1",
		Email:         "ada@example.com",
		EmailVerified: true,
		Username:      "ada",
		GivenName:     "Ada",
		FamilyName:    "Lovelace",
		IsActive:      true,
	}
	repo.AddUser(user)
	repo.SetUserPermissions(user.ID, []string{"documents:read"})

	audit := &capturingRecorder{}
	svc := NewService(Config{
		Repo:          repo,
		Authenticator: clientauth.NewAuthenticator(repo, testIssuer, nil),
		Codes:         authcode.NewStore(nil),
		Rotator:       refresh.NewRotator(engine, nil),
		Engine:        engine,
		Scopes:        scope.NewResolver(repo),
		Audit:         audit,
		IssuerURL:     testIssuer,
	})

	return &fixture{
		svc:          svc,
		repo:         repo,
		engine:       engine,
		audit:        audit,
		confidential: confidential,
		public:       public,
		machine:      machine,
		user:         user,
	}
}

// authorize runs GET /oauth/authorize and completes consent, returning the
// authorization code handed back on the redirect.
func (f *fixture) authorize(t *testing.T, client *storage.Client, scopes, challenge, state, nonce string) string {
	t.Helper()

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {client.ClientID},
		"redirect_uri":  {testRedirectURI},
		"scope":         {scopes},
	}
	if challenge != "" {
		q.Set("code_challenge", challenge)
		q.Set("code_challenge_method", pkce.MethodS256)
	}
	if state != "" {
		q.Set("state", state)
	}
	if nonce != "" {
		q.Set("nonce", nonce)
	}

	rec := httptest.NewRecorder()
	f.svc.HandleAuthorize(rec, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var authz AuthorizeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&authz))

	result, err := f.svc.CompleteConsent(context.Background(), authz.PendingID, f.user.ID, true)
	require.NoError(t, err)

	redirect, err := url.Parse(result.RedirectTo)
	require.NoError(t, err)
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)
	if state != "" {
		require.Equal(t, state, redirect.Query().Get("state"))
	}
	return code
}

// postToken posts a form to the token endpoint with optional basic auth.
func (f *fixture) postToken(t *testing.T, form url.Values, clientID, secret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientID != "" {
		req.SetBasicAuth(clientID, secret)
	}
	rec := httptest.NewRecorder()
	f.svc.HandleToken(rec, req)
	return rec
}

func decodeTokenResponse(t *testing.T, rec *httptest.ResponseRecorder) *TokenResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return &resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestAuthorizationCodeFlow(t *testing.T) {
	f := newFixture(t)

	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	code := f.authorize(t, f.confidential, "openid profile email", pkce.ChallengeS256(verifier), "xyz", "n-1")

	rec := f.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}, f.confidential.ClientID, testSecret)

	resp := decodeTokenResponse(t, rec)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEmpty(t, resp.IDToken, "openid scope yields an ID token")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))

	claims, err := f.engine.VerifyAccessToken(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, claims.Subject)
	assert.Equal(t, f.confidential.ClientID, claims.ClientID)
	assert.True(t, claims.HasScope("profile"))
	assert.True(t, claims.HasPermission("documents:read"))
}

func TestAuthorizationCodeFlow_PublicClientWithPKCE(t *testing.T) {
	f := newFixture(t)

	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	code := f.authorize(t, f.public, "openid profile", pkce.ChallengeS256(verifier), "", "")

	// Public clients authenticate with a bare client_id.
	rec := f.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {f.public.ClientID},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}, "", "")

	resp := decodeTokenResponse(t, rec)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestAuthorizationCodeFlow_PKCEMismatchAllowsRetry(t *testing.T) {
	f := newFixture(t)

	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	code := f.authorize(t, f.confidential, "openid", pkce.ChallengeS256(verifier), "", "")

	wrong, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	rec := f.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {wrong},
	}, f.confidential.ClientID, testSecret)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec))

	// The failed PKCE check must not consume the code.
	rec = f.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}, f.confidential.ClientID, testSecret)
	resp := decodeTokenResponse(t, rec)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestAuthorizationCodeFlow_ReplayRevokesIssuedTokens(t *testing.T) {
	f := newFixture(t)

	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	code := f.authorize(t, f.confidential, "openid", pkce.ChallengeS256(verifier), "", "")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}
	resp := decodeTokenResponse(t, f.postToken(t, form, f.confidential.ClientID, testSecret))

	rec := f.postToken(t, form, f.confidential.ClientID, testSecret)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec))

	// Everything minted from the first redemption is dead.
	_, err = f.engine.VerifyAccessToken(context.Background(), resp.AccessToken)
	assert.ErrorIs(t, err, jwt.ErrTokenRevoked)
	_, err = f.engine.VerifyRefreshToken(context.Background(), resp.RefreshToken)
	assert.ErrorIs(t, err, jwt.ErrTokenRevoked)
}

func TestRefreshTokenGrant_RotatesAndDetectsReuse(t *testing.T) {
	f := newFixture(t)

	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	code := f.authorize(t, f.confidential, "openid profile", pkce.ChallengeS256(verifier), "", "")

	first := decodeTokenResponse(t, f.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}, f.confidential.ClientID, testSecret))

	second := decodeTokenResponse(t, f.postToken(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	}, f.confidential.ClientID, testSecret))
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// Replaying the retired generation kills the whole chain.
	rec := f.postToken(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	}, f.confidential.ClientID, testSecret)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec))

	rec = f.postToken(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {second.RefreshToken},
	}, f.confidential.ClientID, testSecret)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec))
}

func TestClientCredentialsGrant(t *testing.T) {
	f := newFixture(t)

	rec := f.postToken(t, url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"reports"},
	}, f.machine.ClientID, testSecret)

	resp := decodeTokenResponse(t, rec)
	assert.Empty(t, resp.RefreshToken, "machine clients get no refresh token")
	assert.Equal(t, "reports", resp.Scope)

	claims, err := f.engine.VerifyAccessToken(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.machine.ClientID, claims.Subject)
}

func TestClientCredentialsGrant_RejectedForPublicClient(t *testing.T) {
	f := newFixture(t)
	f.public.GrantTypes = append(f.public.GrantTypes, "client_credentials")

	rec := f.postToken(t, url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {f.public.ClientID},
	}, "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unauthorized_client", decodeError(t, rec))
}

func TestHandleToken_ClientAuthFailure(t *testing.T) {
	f := newFixture(t)

	rec := f.postToken(t, url.Values{
		"grant_type": {"client_credentials"},
	}, f.machine.ClientID, "wrong-secret")

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_client", decodeError(t, rec))
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
}

func TestHandleToken_UnsupportedGrantType(t *testing.T) {
	f := newFixture(t)

	rec := f.postToken(t, url.Values{
		"grant_type": {"password"},
	}, f.machine.ClientID, testSecret)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported_grant_type", decodeError(t, rec))
}

func TestHandleToken_GrantTypeNotRegistered(t *testing.T) {
	f := newFixture(t)

	rec := f.postToken(t, url.Values{
		"grant_type": {"authorization_code"},
		"code":       {"whatever"},
	}, f.machine.ClientID, testSecret)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unauthorized_client", decodeError(t, rec))
}

func TestHandleAuthorize_UnknownRedirectURIGetsLocalError(t *testing.T) {
	f := newFixture(t)

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {f.confidential.ClientID},
		"redirect_uri":  {"https://evil.example.com/steal"},
	}
	rec := httptest.NewRecorder()
	f.svc.HandleAuthorize(rec, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))

	// Never redirect to an unregistered target.
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
}

func TestHandleAuthorize_InvalidScopeRedirectsBack(t *testing.T) {
	f := newFixture(t)

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {f.confidential.ClientID},
		"redirect_uri":  {testRedirectURI},
		"scope":         {"reports"},
		"state":         {"abc"},
	}
	rec := httptest.NewRecorder()
	f.svc.HandleAuthorize(rec, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))

	require.Equal(t, http.StatusFound, rec.Code)
	redirect, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_scope", redirect.Query().Get("error"))
	assert.Equal(t, "abc", redirect.Query().Get("state"))
}

func TestHandleAuthorize_PublicClientRequiresPKCE(t *testing.T) {
	f := newFixture(t)

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {f.public.ClientID},
		"redirect_uri":  {testRedirectURI},
		"scope":         {"openid"},
	}
	rec := httptest.NewRecorder()
	f.svc.HandleAuthorize(rec, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))

	require.Equal(t, http.StatusFound, rec.Code)
	redirect, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_request", redirect.Query().Get("error"))
}

func TestConsentDenialRedirectsWithAccessDenied(t *testing.T) {
	f := newFixture(t)

	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {f.confidential.ClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid"},
		"state":                 {"s-1"},
		"code_challenge":        {pkce.ChallengeS256(verifier)},
		"code_challenge_method": {pkce.MethodS256},
	}
	rec := httptest.NewRecorder()
	f.svc.HandleAuthorize(rec, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var authz AuthorizeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&authz))

	result, err := f.svc.CompleteConsent(context.Background(), authz.PendingID, "", false)
	require.NoError(t, err)

	redirect, err := url.Parse(result.RedirectTo)
	require.NoError(t, err)
	assert.Equal(t, "access_denied", redirect.Query().Get("error"))
	assert.Equal(t, "s-1", redirect.Query().Get("state"))

	// The pending authorization is single use.
	_, err = f.svc.CompleteConsent(context.Background(), authz.PendingID, f.user.ID, true)
	require.Error(t, err)
}

func TestHandleRevoke(t *testing.T) {
	f := newFixture(t)

	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	code := f.authorize(t, f.confidential, "openid", pkce.ChallengeS256(verifier), "", "")
	resp := decodeTokenResponse(t, f.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}, f.confidential.ClientID, testSecret))

	revoke := func(token, hint string) *httptest.ResponseRecorder {
		form := url.Values{"token": {token}}
		if hint != "" {
			form.Set("token_type_hint", hint)
		}
		req := httptest.NewRequest(http.MethodPost, "/oauth/revoke", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(f.confidential.ClientID, testSecret)
		rec := httptest.NewRecorder()
		f.svc.HandleRevoke(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, revoke(resp.AccessToken, "").Code)
	_, err = f.engine.VerifyAccessToken(context.Background(), resp.AccessToken)
	assert.ErrorIs(t, err, jwt.ErrTokenRevoked)

	// Revoking a refresh token kills its whole chain.
	require.Equal(t, http.StatusOK, revoke(resp.RefreshToken, "refresh_token").Code)
	_, err = f.engine.VerifyRefreshToken(context.Background(), resp.RefreshToken)
	assert.ErrorIs(t, err, jwt.ErrTokenRevoked)

	// Unknown tokens still answer 200.
	require.Equal(t, http.StatusOK, revoke("not-a-real-token", "").Code)
}

func TestAuthorizationCodeGrant_ExpiredCodeIsDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	code := f.authorize(t, f.confidential, "openid", pkce.ChallengeS256(verifier), "", "")

	// Backdate the stored record past its TTL.
	record, err := f.repo.FindAuthCode(ctx, code)
	require.NoError(t, err)
	record.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.repo.DeleteAuthCode(ctx, code))
	require.NoError(t, f.repo.CreateAuthCode(ctx, record))

	rec := f.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}, f.confidential.ClientID, testSecret)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec))

	// The dead record must be gone even though the redemption transaction
	// rolled back.
	_, err = f.repo.FindAuthCode(ctx, code)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRefreshTokenGrant_ScopeWideningIsInvalidScope(t *testing.T) {
	f := newFixture(t)

	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	code := f.authorize(t, f.confidential, "openid", pkce.ChallengeS256(verifier), "", "")

	first := decodeTokenResponse(t, f.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}, f.confidential.ClientID, testSecret))

	rec := f.postToken(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
		"scope":         {"openid profile"},
	}, f.confidential.ClientID, testSecret)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_scope", decodeError(t, rec))

	// The rejected widening must not retire the token.
	resp := decodeTokenResponse(t, f.postToken(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	}, f.confidential.ClientID, testSecret))
	assert.NotEmpty(t, resp.AccessToken)
}

func TestHandleAuthorize_MalformedChallengeRejected(t *testing.T) {
	f := newFixture(t)

	authorize := func(challenge string) *httptest.ResponseRecorder {
		q := url.Values{
			"response_type":         {"code"},
			"client_id":             {f.confidential.ClientID},
			"redirect_uri":          {testRedirectURI},
			"scope":                 {"openid"},
			"code_challenge":        {challenge},
			"code_challenge_method": {pkce.MethodS256},
		}
		rec := httptest.NewRecorder()
		f.svc.HandleAuthorize(rec, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))
		return rec
	}

	// Too short, too long, and a character outside the unreserved set.
	for _, challenge := range []string{
		strings.Repeat("A", 42),
		strings.Repeat("A", 129),
		strings.Repeat("A", 42) + "+",
	} {
		rec := authorize(challenge)
		require.Equal(t, http.StatusFound, rec.Code)
		redirect, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "invalid_request", redirect.Query().Get("error"))
	}

	// Anything in the 43-128 unreserved range is well formed.
	rec := authorize(strings.Repeat("a0-._~", 12) + strings.Repeat("B", 56))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHandleAuthorize_AuditsTerminalOutcomes(t *testing.T) {
	f := newFixture(t)

	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	f.authorize(t, f.confidential, "openid profile", pkce.ChallengeS256(verifier), "", "")

	success := f.audit.find("oauth.authorize", storage.AuditSuccess)
	require.NotNil(t, success)
	assert.Equal(t, f.confidential.ClientID, success.ActorID)
	assert.Equal(t, "openid profile", success.Details["scope"])

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {"no-such-client"},
		"redirect_uri":  {testRedirectURI},
	}
	rec := httptest.NewRecorder()
	f.svc.HandleAuthorize(rec, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	failure := f.audit.find("oauth.authorize", storage.AuditFailure)
	require.NotNil(t, failure)
	assert.Equal(t, "no-such-client", failure.ActorID)
	assert.Equal(t, "unknown_client", failure.Details["reason"])
}

func TestHandleDiscovery(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.svc.HandleDiscovery(rec, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	assert.Equal(t, testIssuer, doc["issuer"])
	assert.Equal(t, testIssuer+"/oauth/token", doc["token_endpoint"])
	assert.Contains(t, doc["code_challenge_methods_supported"], "S256")
}
